// Package presence elects one leader among the viewer instances of a group.
// Only the leader writes the visitor heartbeat to the shared registry.
//
// Instances talk over a Channel with two messages: "hello" on start and
// "leader-alive" from the leader every few seconds. An instance that hears
// nothing during the election window becomes leader; a follower that stops
// hearing the leader re-runs the election.
//
// Two instances may briefly both lead when their election windows overlap.
// Heartbeat writes are idempotent upserts, and a leader that hears
// leader-alive from a lower instance id steps down, so the group settles on
// the lowest id.
package presence
