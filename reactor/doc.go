// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the readiness poller the network loop sleeps on:
// epoll(7) on Linux, a stub elsewhere.
package reactor
