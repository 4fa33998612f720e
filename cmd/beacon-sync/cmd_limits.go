package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/probe-lab/beacon-sync/rpc"
)

var limitsConfig = &struct {
	QuotaFile string
}{
	QuotaFile: "",
}

var cmdLimits = &cli.Command{
	Name:  "limits",
	Usage: "Print the effective req/resp rate limits as YAML",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "rpc.quotas",
			EnvVars:     []string{"BEACON_SYNC_RPC_QUOTAS"},
			Usage:       "YAML file overriding the default rate limits",
			Value:       limitsConfig.QuotaFile,
			Destination: &limitsConfig.QuotaFile,
			TakesFile:   true,
		},
	},
	Action: cmdLimitsAction,
}

func cmdLimitsAction(c *cli.Context) error {
	cfg, err := rpcConfig(limitsConfig.QuotaFile, true)
	if err != nil {
		return err
	}

	out, err := rpc.MarshalQuotas(cfg)
	if err != nil {
		return fmt.Errorf("marshal quotas: %w", err)
	}

	_, err = c.App.Writer.Write(out)
	return err
}
