// Copyright (c) 2024 the ZDT-D authors.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/GAME-OVER-op/ZDT-D/proxy/config"
	"github.com/GAME-OVER-op/ZDT-D/proxy/supervisor"
	"github.com/GAME-OVER-op/ZDT-D/proxy/xlog"
)

// Exit codes: 0 normal exit, 2 invalid config or failed self-test, 1
// forced exit on a second shutdown signal (raised directly from
// supervisor.drain, never returned here).
func main() {
	selfTestExit := -1

	err := config.Execute(func(cfg *config.Config) error {
		xlog.Init(cfg.LogFormat, cfg.Verbose, os.Stderr)

		if cfg.SelfTest {
			report := supervisor.SelfTest(cfg)
			data, _ := json.Marshal(report)
			fmt.Println(string(data))
			if report.OK {
				selfTestExit = 0
			} else {
				selfTestExit = 2
			}
			return nil
		}

		s, err := supervisor.New(cfg)
		if err != nil {
			return err
		}
		return s.Run(context.Background())
	})

	if selfTestExit >= 0 {
		os.Exit(selfTestExit)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
