package service_test

import (
	"errors"
	"testing"
	"time"

	"github.com/plgd-dev/coap-twin-adapter/pkg/service"
	"github.com/stretchr/testify/require"
)

type testAPIService struct {
	done     chan struct{}
	closeErr error
}

func newTestAPIService(closeErr error) *testAPIService {
	return &testAPIService{done: make(chan struct{}), closeErr: closeErr}
}

func (s *testAPIService) Serve() error {
	<-s.done
	return nil
}

func (s *testAPIService) Close() error {
	close(s.done)
	return s.closeErr
}

func TestServiceClose(t *testing.T) {
	closeErr := errors.New("close failed")
	s := service.New(newTestAPIService(nil))
	s.Add(newTestAPIService(closeErr))
	closed := make(chan struct{})
	s.AddCloseFunc(func() { close(closed) })

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve()
	}()
	time.Sleep(time.Millisecond * 100)
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, closeErr)
	case <-time.After(time.Second * 5):
		require.FailNow(t, "serve did not return")
	}
	select {
	case <-closed:
	default:
		require.FailNow(t, "close func not called")
	}
}
