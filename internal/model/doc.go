// Package model holds the domain types shared by scheduling, the livestream
// pool and the trigger orchestrator: users, livestreams with their state
// machine, video records and the typed error taxonomy.
package model
