// Package supervisor keeps a single external process alive.
//
// A Supervisor launches its command, sleeps for the check interval and then
// evaluates its named health checks in registration order. The first failing
// check ends the round: the process is terminated and, while the restart
// budget allows it, relaunched after the backoff delay. Once the budget is
// exhausted Run returns nil. Launch failures are never retried and are the
// only errors Run reports, apart from context cancellation.
//
// Basic usage:
//
//	sup := supervisor.New("./server", "--port", "8080").
//		WithCheckInterval(10 * time.Second).
//		WithBackoffTime(5 * time.Second).
//		WithRestartBudget(3).
//		AddTest("running", func(h runtime.Handle) bool { return h.Running() }).
//		WithHooks(supervisor.Hooks{
//			Restart: func() { log.Println("restarting") },
//		})
//	if err := sup.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
package supervisor
