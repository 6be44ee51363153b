/*
Package events distributes diagnostic events of the failover manager to
in-process subscribers.

The failover manager, the service cache, the fabric upgrade manager and the
FM service publish to one Broker:

	reconfiguration.started / .completed   failover unit reconfigurations
	node.up / node.down                    node lifecycle
	application.safety_check_completed     PLB safety check committed
	application.upgrade_failed             an application upgrade gave up
	fabric_upgrade.started / .domain_completed / .completed / .failed
	fm.primary_changed                     FM service leadership moved

Publish never blocks. Events are buffered (100) and fanned out to each
subscriber's channel (50); a full buffer drops the event rather than stall
a job queue worker. A nil *Broker discards everything, so components can
run without one.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		log.Info().Str("type", string(ev.Type)).Msg(ev.Message)
	}
*/
package events
