// Package widget implements the status display: a component that, once
// mounted, asks the loader endpoint for its status a single time and holds
// the text to show.
package widget

import (
	"context"
	"html"
	"sync"

	"go.uber.org/zap"
)

// ErrorText is displayed when the request fails for any reason.
const ErrorText = "Error loading model"

// State is the lifecycle position of a Widget.
type State int

const (
	// Idle is the state before Mount.
	Idle State = iota
	// Awaiting means the request has been issued and not yet resolved.
	Awaiting
	// Displayed is terminal: the text holds the body or ErrorText.
	Displayed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Awaiting:
		return "awaiting"
	case Displayed:
		return "displayed"
	}
	return "unknown"
}

// Fetcher issues the status request. Implemented by Client.
type Fetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Widget holds the display state for one mount. The zero value is not
// usable; create widgets with New.
type Widget struct {
	fetcher  Fetcher
	log      *zap.Logger
	onChange func(text string)

	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	state     State
	text      string
	unmounted bool
	cancel    context.CancelFunc
}

// Option configures a Widget.
type Option func(*Widget)

// WithLogger sets the logger used to report the outcome of the request.
func WithLogger(log *zap.Logger) Option {
	return func(w *Widget) { w.log = log }
}

// OnChange registers fn to be called once, with the new text, when the
// request resolves. It runs on the fetch goroutine and must not call
// Unmount.
func OnChange(fn func(text string)) Option {
	return func(w *Widget) { w.onChange = fn }
}

// New creates an unmounted widget that will fetch through f.
func New(f Fetcher, opts ...Option) *Widget {
	w := &Widget{
		fetcher: f,
		log:     zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Mount issues the single status request in the background. Only the first
// call has an effect; the widget is never re-fetched.
func (w *Widget) Mount(ctx context.Context) {
	w.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.state = Awaiting
		w.cancel = cancel
		w.mu.Unlock()
		go w.load(ctx, cancel)
	})
}

// Unmount aborts a pending request and waits for the fetch goroutine to
// exit. A request aborted this way leaves the text untouched. Unmounting a
// widget that was never mounted prevents any later Mount.
func (w *Widget) Unmount() {
	w.once.Do(func() { close(w.done) })

	w.mu.Lock()
	w.unmounted = true
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-w.done
}

// Done is closed when the fetch goroutine has finished.
func (w *Widget) Done() <-chan struct{} {
	return w.done
}

// Text returns the current display text; empty until the request resolves.
func (w *Widget) Text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.text
}

// State returns the current lifecycle state.
func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Render returns the widget as an HTML fragment.
func (w *Widget) Render() string {
	return "<div>" + html.EscapeString(w.Text()) + "</div>"
}

func (w *Widget) load(ctx context.Context, cancel context.CancelFunc) {
	defer close(w.done)
	defer cancel()

	text, err := w.fetcher.Fetch(ctx)
	if err != nil {
		if w.isUnmounted() {
			w.log.Debug("status request aborted", zap.Error(err))
			return
		}
		w.log.Error("Error loading model", zap.Error(err))
		w.set(ErrorText)
		return
	}
	w.log.Info("Model loading message", zap.String("message", text))
	w.set(text)
}

func (w *Widget) isUnmounted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unmounted
}

// set performs the single DisplayState write.
func (w *Widget) set(text string) {
	w.mu.Lock()
	if w.unmounted || w.state != Awaiting {
		w.mu.Unlock()
		return
	}
	w.text = text
	w.state = Displayed
	fn := w.onChange
	w.mu.Unlock()

	if fn != nil {
		fn(text)
	}
}
