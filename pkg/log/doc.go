/*
Package log provides structured logging for the failover core using zerolog.

The package wraps a single global zerolog.Logger that every other package
derives child loggers from. Child loggers carry the identifiers that matter
when following a partition through a reconfiguration: the component name, the
node, the failover unit, the application and the activity id that ties an
inbound message to the work it triggered.

# Usage

Initializing the Logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component Loggers:

	logger := log.WithComponent("fm")
	logger.Info().
		Str("failover_unit_id", fu.ID.String()).
		Str("epoch", fu.CurrentEpoch.String()).
		Msg("Reconfiguration started")

Context Loggers:

	fuLog := log.WithFailoverUnitID(id.String())
	fuLog.Debug().Msg("Processing ReplicaDown")

	actLog := log.WithActivityID(msg.ActivityID)
	actLog.Warn().Err(err).Msg("Store commit failed, retrying")

# Output

JSON Format:

	{"level":"info","component":"fm","failover_unit_id":"6b1f...","time":"2024-10-13T10:30:00Z","message":"Reconfiguration started"}

Console Format:

	10:30:00 INF Reconfiguration started component=fm failover_unit_id=6b1f...

# Tracing Volume

Failover unit traces are the hottest log path in the system. The failover
package throttles detailed traces (full replica set dumps) to one per
FTDetailedTraceInterval and emits a one-line summary otherwise, so Debug level
stays usable on busy clusters.
*/
package log
