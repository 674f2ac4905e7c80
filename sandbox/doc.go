// Package sandbox runs untrusted solutions in isolated environments.
//
// The package is organized around the Provider contract: every isolation
// backend implements the same prepare/execute/get-result/cleanup lifecycle.
// Two backends are included: ProcessProvider, a lightweight profile-based
// confinement using the host's native sandbox-exec tool (darwin only), and
// DockerProvider, full container isolation with resource limits and
// optional GPU passthrough. The Factory picks the best available backend
// for a run's requirements, and the Runner is the public façade that ties
// solution storage, provider selection, streamed execution, and result
// persistence together under a global concurrency ceiling.
//
// Usage:
//
//	factory := sandbox.NewFactory(log)
//	factory.Register(sandbox.NewProcessProvider(log))
//	factory.Register(sandbox.NewDockerProvider(log))
//	runner := sandbox.NewRunner(log, store, factory)
//
//	sandboxID, err := runner.TestSolution(ctx, solutionID, sandbox.RunConfig{})
//	lines, err := runner.Execute(ctx, sandboxID, nil)
//	for line := range lines {
//	    fmt.Printf("[%s] %s\n", line.Stream, line.Text)
//	}
//	result, err := runner.GetResults(ctx, sandboxID)
//	runner.Cleanup(ctx, sandboxID)
package sandbox
