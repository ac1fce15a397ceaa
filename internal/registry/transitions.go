package registry

import "github.com/tOgg1/scanfleet/internal/models"

// Trigger is an input to the deployment state machine.
type Trigger string

const (
	// TriggerHeartbeatCurrent is a heartbeat reporting the expected version.
	TriggerHeartbeatCurrent Trigger = "heartbeat_current"
	// TriggerHeartbeatStale is a heartbeat reporting any other version.
	TriggerHeartbeatStale Trigger = "heartbeat_stale"
	// TriggerHeartbeatLost fires when the last heartbeat outlives the TTL.
	TriggerHeartbeatLost Trigger = "heartbeat_lost"
	// TriggerDeploy is an operator deploy or redeploy.
	TriggerDeploy Trigger = "deploy"
	// TriggerScriptExited fires when a deploy ended without the agent reporting in.
	TriggerScriptExited Trigger = "script_exited"
	// TriggerUpdateStarted fires when the controller asks an agent to update.
	TriggerUpdateStarted Trigger = "update_started"
	// TriggerUninstall is an operator uninstall.
	TriggerUninstall Trigger = "uninstall"
)

type edge struct {
	from    models.NodeStatus
	trigger Trigger
}

var transitions = map[edge]models.NodeStatus{
	{models.NodeStatusPending, TriggerDeploy}:  models.NodeStatusDeploying,
	{models.NodeStatusOnline, TriggerDeploy}:   models.NodeStatusDeploying,
	{models.NodeStatusOffline, TriggerDeploy}:  models.NodeStatusDeploying,
	{models.NodeStatusOutdated, TriggerDeploy}: models.NodeStatusDeploying,
	{models.NodeStatusUpdating, TriggerDeploy}: models.NodeStatusDeploying,

	{models.NodeStatusDeploying, TriggerHeartbeatCurrent}: models.NodeStatusOnline,
	{models.NodeStatusOffline, TriggerHeartbeatCurrent}:   models.NodeStatusOnline,
	{models.NodeStatusUpdating, TriggerHeartbeatCurrent}:  models.NodeStatusOnline,
	{models.NodeStatusOutdated, TriggerHeartbeatCurrent}:  models.NodeStatusOnline,

	{models.NodeStatusOnline, TriggerHeartbeatStale}:  models.NodeStatusOutdated,
	{models.NodeStatusOffline, TriggerHeartbeatStale}: models.NodeStatusOutdated,

	{models.NodeStatusOnline, TriggerHeartbeatLost}: models.NodeStatusOffline,

	{models.NodeStatusDeploying, TriggerScriptExited}: models.NodeStatusOffline,

	{models.NodeStatusOutdated, TriggerUpdateStarted}: models.NodeStatusUpdating,

	{models.NodeStatusOnline, TriggerUninstall}:   models.NodeStatusPending,
	{models.NodeStatusOffline, TriggerUninstall}:  models.NodeStatusPending,
	{models.NodeStatusOutdated, TriggerUninstall}: models.NodeStatusPending,
	{models.NodeStatusPending, TriggerUninstall}:  models.NodeStatusPending,
}

// Next returns the state reached from `from` on trigger. ok is false when the
// pair has no edge, in which case the state is unchanged.
func Next(from models.NodeStatus, trigger Trigger) (to models.NodeStatus, ok bool) {
	to, ok = transitions[edge{from, trigger}]
	if !ok {
		return from, false
	}
	return to, true
}
