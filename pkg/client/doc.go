/*
Package client is the admin client of a hutch node.

Every node serves the admin methods on its transport, so the client may
connect to any member of the cluster. Mutations are coordinated by the node
that receives them and committed through the replicated log.

	c, err := client.NewClient("127.0.0.1:7947")
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.InstallPlugin("weather", "0.1.0", false, true); err != nil {
		return err
	}
	if err := c.EnablePlugin("weather", "0.1.0", 0); err != nil {
		return err
	}

Errors returned by the node arrive as transport.RemoteError values that keep
their code, so errors.Is works against the sentinels of the catalog,
migration and rpc packages.
*/
package client
