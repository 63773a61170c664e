// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is an http.Server that can listen on ":0" and report the
// address it ended up with, and can be shut down and waited for
// without killing the process.
type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	mtx      sync.Mutex
	listener net.Listener
	done     chan struct{}
	err      error
}

// Start listens on srv.Addr and serves requests in a background
// goroutine. When Start returns, srv.Addr is the address actually
// being listened on.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.mtx.Lock()
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	srv.mtx.Unlock()
	go func() {
		defer close(srv.done)
		err := srv.Serve(keepAliveListener{ln})
		if !errors.Is(err, http.ErrServerClosed) {
			srv.mtx.Lock()
			srv.err = err
			srv.mtx.Unlock()
		}
	}()
	return nil
}

// Shutdown stops accepting connections, waits for active requests
// to finish (or ctx to expire), and returns when the server has
// stopped.
func (srv *Server) Shutdown(ctx context.Context) error {
	err := srv.Server.Shutdown(ctx)
	if werr := srv.Wait(); err == nil {
		err = werr
	}
	return err
}

// Close shuts down the server immediately and returns when it has
// stopped.
func (srv *Server) Close() error {
	srv.Server.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down. The returned error is
// nil if it was stopped by Shutdown or Close.
func (srv *Server) Wait() error {
	srv.mtx.Lock()
	done := srv.done
	srv.mtx.Unlock()
	if done == nil {
		return nil
	}
	<-done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}

type keepAliveListener struct {
	net.Listener
}

func (ln keepAliveListener) Accept() (net.Conn, error) {
	conn, err := ln.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(3 * time.Minute)
	}
	return conn, nil
}
