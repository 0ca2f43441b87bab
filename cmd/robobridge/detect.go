package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/HerbHall/robobridge/internal/detect"
	"github.com/HerbHall/robobridge/pkg/models"
)

// detectedRobot is one line of the detect output.
type detectedRobot struct {
	models.RobotInfo `yaml:",inline"`
	Robot            models.Robot `yaml:"details"`
}

func newDetectCmd(flags *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one detection pass and print the robots found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, logger, err := setup(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dets := buildDetectors(settings, nil, logger)
			ctx, cancel := context.WithTimeout(cmd.Context(), wait+settings.EV3.Timeout)
			defer cancel()

			// NAO robots are only known after an mDNS browse round.
			if dets.nao != nil && wait > 0 {
				browseCtx, stopBrowse := context.WithCancel(ctx)
				done := make(chan struct{})
				go func() {
					defer close(done)
					dets.nao.Run(browseCtx)
				}()
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
				stopBrowse()
				<-done
			}

			robots := detect.New(dets.list(), nil, logger.Named("detect")).Poll(ctx)
			out := make([]detectedRobot, len(robots))
			for i, r := range robots {
				out[i] = detectedRobot{RobotInfo: models.Describe(r), Robot: r}
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]any{"robots": out})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to browse for NAO robots before reporting")
	return cmd
}
