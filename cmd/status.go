package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waybridge/waybridge/internal/ipc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running bridge's status",
	Run: func(cmd *cobra.Command, args []string) {
		client, err := ipc.NewClient()
		if err != nil {
			exitError("%v", err)
		}
		status, err := client.SendStatus()
		if err != nil {
			exitError("%v", err)
		}

		fmt.Printf("waybridge %s, up %ds\n", status.Version, status.UptimeSeconds)
		fmt.Printf("surfaces: %d\n", status.SurfaceCount)
		fmt.Printf("drag: inbound=%v outbound=%v\n", status.InboundDrag, status.OutboundDrag)
		for _, s := range status.Seats {
			fmt.Printf("seat %q: pointer=%d keyboard=%d grab_held=%d entered=%v focused=%v dragging=%v\n",
				s.Name, s.PointerDevice, s.KeyboardDevice, s.GrabHeld,
				s.Entered, s.Focused, s.Dragging)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
