package main

import (
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/topos-protocol/topos-tce-broadcast/config"
	"github.com/topos-protocol/topos-tce-broadcast/types"
)

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "create a node's config directory and generate its key",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Required: true, Usage: "node identifier; names its config subdirectory"},
		&cli.StringSliceFlag{Name: "subnet", Usage: "hex-encoded source subnet id this node serves; repeatable"},
		&cli.StringFlag{Name: "role", Value: "full", Usage: "validator or full"},
	},
	Action: runInit,
}

func runInit(c *cli.Context) error {
	root := c.String("datadir")
	name := c.String("name")

	role := config.Role(c.String("role"))
	if role != config.RoleValidator && role != config.RoleFull {
		return fmt.Errorf("init: --role must be %q or %q, got %q", config.RoleValidator, config.RoleFull, role)
	}

	var subnets []types.SubnetID
	for _, raw := range c.StringSlice("subnet") {
		b, err := hex.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("init: invalid --subnet %q: %w", raw, err)
		}
		subnets = append(subnets, types.BytesToSubnetID(b))
	}

	cfg, err := config.Init(root, name, role, subnets)
	if err != nil {
		return err
	}

	keys, err := config.LoadNodeKey(root, name)
	if err != nil {
		return err
	}

	fmt.Printf("initialized node %q in %s\n", name, config.DataDir(root, name))
	fmt.Printf("  node id:      %s\n", cfg.NodeID)
	fmt.Printf("  role:         %s\n", cfg.Role)
	fmt.Printf("  validator id: %s\n", keys.ValidatorID())
	return nil
}
