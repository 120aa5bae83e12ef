package redis

// Redis key naming conventions for pulse data.
// All keys are prefixed with "pulse:" to avoid collisions.

const keyPrefix = "pulse:"

// runKey returns the key for a run entity: pulse:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// runIDsKey is the Set tracking all run IDs for enumeration.
const runIDsKey = keyPrefix + "run_ids"

// runTriggersKey is the Hash mapping trigger deduplication keys to run IDs.
const runTriggersKey = keyPrefix + "run_triggers"

// workflowKey returns the key for tracked workflow status:
// pulse:workflow:{userID}:{workflowID}
func workflowKey(userID, workflowID string) string {
	return keyPrefix + "workflow:" + userID + ":" + workflowID
}
