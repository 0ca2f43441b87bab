package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HerbHall/robobridge/internal/arduino"
)

func newIDsCmd(flags *globalFlags) *cobra.Command {
	ids := &cobra.Command{
		Use:   "ids",
		Short: "Inspect the Arduino USB id table",
	}
	ids.AddCommand(&cobra.Command{
		Use:   "check [file]",
		Short: "Validate an id table file, reporting every rejected line",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				settings, err := load(flags)
				if err != nil {
					return err
				}
				path = settings.Arduino.IDFile
			}

			table, errs := arduino.LoadIDTable(path)
			out := cmd.OutOrStdout()
			if table.Embedded() {
				fmt.Fprintf(out, "%s not found, built-in table in use\n", path)
			}
			fmt.Fprintf(out, "%d valid entries\n", table.Len())
			for _, e := range table.Entries() {
				fmt.Fprintf(out, "  %s  %s\n", e.USBID, e.Type)
			}
			if len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintf(out, "  %s\n", e.Error())
				}
				return fmt.Errorf("%s: %d invalid lines", path, len(errs))
			}
			return nil
		},
	})
	return ids
}
