// Package harness boots a headless layout pipeline and drives one reflow
// through it.
//
// Every component of the pipeline is a worker: a dedicated runner that owns
// its state and is reached only through channels (see package channel).
// Bootstrap starts them in dependency order:
//
//	namespace -> profilers -> waker -> embedder proxy -> resource threads
//	  -> compositor -> font cache -> hang monitor -> image cache -> layout
//
// The font cache registers faces with the compositor through a blocking
// round trip, and the layout worker blocks on the font cache while it
// resolves fonts, so the compositor event loop must be running before any
// reflow is issued.
//
// # Quick Start
//
//	cfg := harness.DefaultConfig()
//	cfg.Logger = zaplog.New(zap.Must(zap.NewDevelopment()))
//
//	p, err := harness.Bootstrap(cfg)
//	if err != nil {
//		return err
//	}
//	defer p.Close(context.Background())
//
//	if err := p.SetFinalURL("about:blank"); err != nil {
//		return err
//	}
//	complete, err := p.Reflow(harness.DefaultReflow())
//
// Reflow waits without a timeout. If the layout worker dies before it
// answers, Reflow returns an error wrapping ErrReflowAborted and
// channel.ErrDisconnected instead of hanging.
//
// # Lifetimes
//
// The pipeline owns every runner it started. Close stops the layout worker
// first, then asks the remaining workers to exit and joins them all.
package harness
