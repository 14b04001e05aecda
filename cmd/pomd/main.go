// Command pomd is the network-traffic analysis engine's process
// entrypoint: a Cobra root command wiring the protocol registry, conntrack
// table, dispatcher, input drivers, control plane, and output sinks
// together, grounded on the retrieval pack's own cmd/ layout
// (postmanlabs-observability-cli/cmd/root.go and cmd/internal/daemon).
package main

func main() {
	Execute()
}
