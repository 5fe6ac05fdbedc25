// Package org persists the multi-agent organization (groups and session
// memberships) in SQLite and reconciles it after restarts. Reconciliation
// re-derives a consistent membership picture: members of live multi-agent
// groups stay put, orphaned sessions carrying durable team markers are left
// alone, and unmarked orphans are filed back into the default group.
package org
