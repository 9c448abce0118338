// Command vmsim runs simulated processes on a demand paged virtual memory
// system and reports on the recorded traces.
package main

import "github.com/sarchlab/vmcore/vmsim/cmd"

func main() {
	cmd.Execute()
}
