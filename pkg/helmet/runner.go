package helmet

import (
	"fmt"
	"sync"

	"github.com/op/go-logging"
)

// Service is a long running part of the node. Start blocks until stopChan is closed
// or the service fails.
type Service interface {
	Name() string
	Start(stopChan chan struct{}) error
}

type ServiceRunner interface {
	Add(s Service)
	Run() error
	Stop() error
}

// DefaultServiceRunner starts every service on its own goroutine and stops them together.
type DefaultServiceRunner struct {
	services  []Service
	isRunning bool
	wg        sync.WaitGroup
	stopChan  chan struct{}
	stopOnce  sync.Once
	failed    chan struct{}
	failOnce  sync.Once
	log       *logging.Logger

	mu   sync.Mutex
	errs map[string]error
}

func NewDefaultServiceRunner(log *logging.Logger) *DefaultServiceRunner {
	if log == nil {
		log = logging.MustGetLogger("runner")
	}
	return &DefaultServiceRunner{
		services: make([]Service, 0, 2),
		stopChan: make(chan struct{}),
		failed:   make(chan struct{}),
		log:      log,
		errs:     make(map[string]error),
	}
}

func (r *DefaultServiceRunner) Add(s Service) {
	r.services = append(r.services, s)
}

func (r *DefaultServiceRunner) runService(s Service) {
	defer r.wg.Done()

	if err := s.Start(r.stopChan); err != nil {
		r.log.Errorf("service %s failed: %s", s.Name(), err)
		r.mu.Lock()
		r.errs[s.Name()] = err
		r.mu.Unlock()
		r.failOnce.Do(func() { close(r.failed) })
		return
	}
	r.log.Infof("service %s stopped", s.Name())
}

func (r *DefaultServiceRunner) Run() error {
	if r.isRunning {
		return fmt.Errorf("already running")
	}
	r.isRunning = true

	r.wg.Add(len(r.services))
	for _, s := range r.services {
		r.log.Infof("starting service %s", s.Name())
		go r.runService(s)
	}

	return nil
}

// Failed is closed as soon as any service returns an error.
func (r *DefaultServiceRunner) Failed() <-chan struct{} {
	return r.failed
}

// Stop signals every service and waits for them. It returns the first failure seen.
func (r *DefaultServiceRunner) Stop() error {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.services {
		if err, ok := r.errs[s.Name()]; ok {
			return fmt.Errorf("%s: %s", s.Name(), err)
		}
	}
	return nil
}
