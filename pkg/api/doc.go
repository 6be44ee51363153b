/*
Package api serves the HTTP health, readiness and metrics endpoints of a
failover process.

	/health   liveness, 200 while the process runs
	/ready    raft leadership and local store checks; 503 until a
	          primary is known
	/status   component health reported through pkg/metrics
	/metrics  Prometheus exposition

A manager passes its fmservice.Service as the Cluster. An agent passes
itself: its leader is the FM it registered with.
*/
package api
