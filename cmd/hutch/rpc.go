package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/hutch/pkg/rpc"
	"github.com/spf13/cobra"
)

// RPC commands
var rpcCmd = &cobra.Command{
	Use:   "rpc",
	Short: "Call plugin RPC endpoints",
}

var rpcCallCmd = &cobra.Command{
	Use:   "call PATH",
	Short: "Call an RPC endpoint through the connected node",
	Long: `Call an RPC endpoint through the connected node.

Exactly one target must be given: --node, --any, --replicaset, --bucket, or
--tier together with --bucket. --master selects the replicaset master.

Examples:
  hutch rpc call /ping --plugin weather --service forecast --version 0.1.0 --any
  hutch rpc call /forecast --plugin weather --service forecast --version 0.1.0 \
    --bucket 42 --master --payload '{"city":"Berlin"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		pluginName, _ := f.GetString("plugin")
		service, _ := f.GetString("service")
		version, _ := f.GetString("version")
		payload, _ := f.GetString("payload")
		rpcTimeout, _ := f.GetDuration("rpc-timeout")

		var target rpc.Target
		target.NodeID, _ = f.GetString("node")
		target.Any, _ = f.GetBool("any")
		target.ReplicasetID, _ = f.GetString("replicaset")
		target.BucketID, _ = f.GetUint64("bucket")
		target.Tier, _ = f.GetString("tier")
		target.ToMaster, _ = f.GetBool("master")
		if _, err := target.Mode(); err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		out, err := c.CallRPC(rpc.Request{
			Path:    args[0],
			Payload: []byte(payload),
			Context: rpc.Context{
				Plugin:  pluginName,
				Service: service,
				Version: version,
				Timeout: rpcTimeout,
			},
		}, target)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		fmt.Println()
		return nil
	},
}

func init() {
	rpcCmd.AddCommand(rpcCallCmd)

	f := rpcCallCmd.Flags()
	f.String("plugin", "", "Plugin of the endpoint")
	f.String("service", "", "Service of the endpoint")
	f.String("version", "", "Plugin version the caller expects")
	f.String("payload", "", "Request payload")
	f.Duration("rpc-timeout", 10*time.Second, "Timeout of the call")
	f.String("node", "", "Target node ID")
	f.Bool("any", false, "Target any node running the service")
	f.String("replicaset", "", "Target replicaset ID")
	f.Uint64("bucket", 0, "Target bucket ID")
	f.String("tier", "", "Tier of the target bucket")
	f.Bool("master", false, "Target the replicaset master")
	_ = rpcCallCmd.MarkFlagRequired("plugin")
	_ = rpcCallCmd.MarkFlagRequired("service")
	_ = rpcCallCmd.MarkFlagRequired("version")
}
