/*
Package placement chooses the nodes that host new replicas of a failover unit.

Placement reads the cluster on every call and keeps nothing between calls.
Candidates are the up nodes that do not already host the unit. They are
ordered so that replicas spread across fault domains first and then land on
the node with the fewest replicas; node ids break ties.

An application's capacity description constrains the choice:

	MaximumNodes              a node not yet hosting the application is only
	                          chosen while fewer nodes host it
	MaximumNodeCapacity       the application's load on the node plus the new
	                          replica's load must stay within it
	TotalApplicationCapacity  the application's load across the cluster plus
	                          the new replica's load must stay within it

A new replica is assumed to bring the highest load any replica of its unit
reported.
*/
package placement
