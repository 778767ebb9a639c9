// Package agent contains the action proposers consulted by the flow executor.
// A Guard wraps any proposer with pacing and a per-call deadline, Scripted
// replays a plan's reference operations, and the llmagent subpackage asks a
// language model for the next action.
package agent
