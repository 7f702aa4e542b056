// Package store provides persistent storage for relay-gateway using SQLite.
//
// # Architecture
//
// The Store interface covers all persistence; SQLiteStore implements it
// in a single struct. Consumers depend on narrower slices of the
// interface (the relay declares its own ConversationStore and
// MessageStore), which keeps tests trivial to fake.
//
// # Data Models
//
//   - Project: tenant grouping agents, members and SDK secrets
//   - Agent: registered agent identity within a project
//   - Member: end user of a project's frontend
//   - Conversation: links one agent and one member
//   - Message: one chat message with source (AGENT/MEMBER) and format
//   - SDKSecret: hashed agent credential, plaintext shown once
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema is created on open; message source and format columns carry
// CHECK constraints matching the exported constants.
package store
