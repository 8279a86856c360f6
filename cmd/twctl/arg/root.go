package arg

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/SoarinFerret/TimeWarden/internal/ipc"
)

var rootCmd = &cobra.Command{
	Use:   "twctl",
	Short: "twctl is the command line tool for TimeWarden",
	Long: `twctl talks to the TimeWarden daemon over the system D-Bus.
Use it to inspect users' time left and to change their limits.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// call runs method on the daemon and exits on failure.
func call(method string, args ...interface{}) string {
	c, err := ipc.Dial()
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	body, err := c.Call(method, args...)
	if err != nil {
		log.Fatal(err)
	}
	return body
}

func callJSON(out any, method string, args ...interface{}) {
	c, err := ipc.Dial()
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	if err := c.CallJSON(out, method, args...); err != nil {
		log.Fatal(err)
	}
}
