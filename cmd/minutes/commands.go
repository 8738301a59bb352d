package main

import (
	"fmt"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/assembly"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/internal/recorder"
	"github.com/Honorable-Knights-of-the-Roundtable/minutes/pkg/audiodevice"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices that can be recorded from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		for _, direction := range []audiodevice.Direction{audiodevice.Capture, audiodevice.Render} {
			devices, err := a.registry.Devices(direction)
			if err != nil {
				return err
			}

			fmt.Printf("%s devices (%s):\n", direction, a.api.Name())
			for _, d := range devices {
				marker := " "
				if d.IsDefault {
					marker = "*"
				}
				formats := make([]string, len(d.Formats))
				for i, f := range d.Formats {
					formats[i] = f.String()
				}
				fmt.Printf(" %s %s\n     id: %s\n     formats: %s\n", marker, d.Name, d.ID, strings.Join(formats, ", "))
			}
		}
		return nil
	},
}

var assembleCmd = &cobra.Command{
	Use:   "assemble <session-id>",
	Short: "Assemble the segments of a recorded session into one file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := recorder.SessionDir(viper.GetString("datadir"), args[0])
		a := assembly.New(encoderConfig(nil))

		combined, err := a.Assemble(cmd.Context(), dir)
		if err != nil {
			return err
		}

		d, err := assembly.Duration(combined)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%s)\n", combined, d)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete everything recorded for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orchestrator.DeleteSession(args[0]); err != nil {
			return err
		}
		fmt.Println("Deleted", recorder.SessionDir(viper.GetString("datadir"), args[0]))
		return nil
	},
}
