/*
Package agent implements the reconfiguration agent that runs on every node.

The agent registers its node with the failover manager under a fresh node
instance, uploads the replicas it hosts and keeps the instance alive with
heartbeats. It builds, reconfigures and drops replicas when the FM says so
and reports every change back through an fmmessage.RetryComponent, which
resends until the FM acknowledges the exact version of the report.

Hosted replicas, the last node instance and the installed fabric version
are kept in a bbolt file under Options.DataDir so a restarted node comes
back with a higher instance and re-reports what it still hosts.
*/
package agent
