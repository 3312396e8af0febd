package service

import (
	"context"
	"errors"
	"testing"
)

type echoRequest struct {
	Text string `json:"text"`
}

type echoResponse struct {
	Text string `json:"text"`
	Len  int    `json:"len"`
}

func newEchoMux() *Mux {
	m := &Mux{}
	m.Handle("Echo", Method(func(_ context.Context, req *echoRequest) (*echoResponse, error) {
		if req.Text == "fail" {
			return nil, NewApplicationError(7, "asked to fail: %s", req.Text)
		}
		return &echoResponse{Text: req.Text, Len: len(req.Text)}, nil
	}))
	m.Handle("Nothing", Method(func(_ context.Context, _ *Empty) (*Empty, error) {
		return nil, nil
	}))
	return m
}

func TestMux_Dispatch(t *testing.T) {
	m := newEchoMux()

	out, err := m.Dispatch(context.Background(), "echo", "Echo", []byte(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if string(out) != `{"text":"hi","len":2}` {
		t.Errorf("unexpected response: %s", out)
	}
}

func TestMux_UnknownMethod(t *testing.T) {
	m := newEchoMux()

	_, err := m.Dispatch(context.Background(), "echo", "Shout", nil)
	if !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestMethod_BadPayload(t *testing.T) {
	m := newEchoMux()

	_, err := m.Dispatch(context.Background(), "echo", "Echo", []byte(`{"text":`))
	var argErr *ArgumentError
	if !errors.As(err, &argErr) {
		t.Fatalf("expected ArgumentError, got %v", err)
	}
}

func TestMethod_ApplicationError(t *testing.T) {
	m := newEchoMux()

	_, err := m.Dispatch(context.Background(), "echo", "Echo", []byte(`{"text":"fail"}`))
	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected ApplicationError, got %v", err)
	}
	if appErr.Code != 7 || appErr.Detail != "asked to fail: fail" {
		t.Errorf("unexpected error: %+v", appErr)
	}
}

func TestMethod_NilResponseEncodesEmpty(t *testing.T) {
	m := newEchoMux()

	out, err := m.Dispatch(context.Background(), "echo", "Nothing", nil)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if string(out) != `{}` {
		t.Errorf("expected {}, got %s", out)
	}
}

func TestMux_Methods(t *testing.T) {
	got := newEchoMux().Methods()
	if len(got) != 2 || got[0] != "Echo" || got[1] != "Nothing" {
		t.Errorf("unexpected methods: %v", got)
	}
}
