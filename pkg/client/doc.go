/*
Package client is the Go client of the failover manager's administrative
requests.

A Client talks to any replica of the FM service. Secondaries answer with
NotPrimary and the address of the primary; the client follows a bounded
number of those redirects and remembers the primary for later requests.

	c := client.NewClient("manager-1:19000", tlsConfig)
	defer c.Close()

	id, err := c.CreateFailoverUnit(ctx, message.CreateFailoverUnitBody{
		ServiceName:          "fabric:/shop/cart",
		TargetReplicaSetSize: 3,
		MinReplicaSetSize:    2,
	})

The failover CLI is built on this package.
*/
package client
