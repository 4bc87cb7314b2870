package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"livestage/internal/core/domain"
)

type probeReport struct {
	Supported   bool                      `json:"supported"`
	Devices     domain.DeviceAvailability `json:"devices"`
	Permissions domain.Permissions        `json:"permissions"`
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report capture support and device state without starting a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, sync, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer sync()

		a, err := newApp(cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		report := probeReport{Supported: a.probe.CheckSupport()}
		if report.Supported {
			report.Devices = a.probe.CheckMediaDevices(ctx)
			report.Permissions = a.probe.CheckPermissions(ctx)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
