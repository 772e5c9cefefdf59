// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package pipe provides a simple way of applying transforms to a channel.
package pipe

import "sync"

// Pipe constructs a series of executions.
type Pipe[T any] struct {
	Width int
	steps []<-chan T
}

// From creates a Pipe from the given input channel.
func From[T any](in <-chan T) Pipe[T] {
	return Pipe[T]{steps: []<-chan T{in}, Width: cap(in)}
}

// DoFor adds a pipeline combinator.
// NOTE: fn is responsible for closing "in".
func (p Pipe[T]) DoFor(fn func(in <-chan T, out chan<- T)) Pipe[T] {
	next := make(chan T, p.Width)
	go fn(p.steps[len(p.steps)-1], next)
	p.steps = append(p.steps, next)
	return p
}

// Do adds a per-item combinator.
func (p Pipe[T]) Do(fn func(in T, out chan<- T)) Pipe[T] {
	return p.DoFor(func(in <-chan T, out chan<- T) {
		defer close(out)
		for t := range in {
			fn(t, out)
		}
	})
}

// ParDo adds a per-item combinator evaluated by n concurrent workers.
// Output order is not preserved.
func (p Pipe[T]) ParDo(n int, fn func(in T, out chan<- T)) Pipe[T] {
	return p.DoFor(func(in <-chan T, out chan<- T) {
		defer close(out)
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for t := range in {
					fn(t, out)
				}
			}()
		}
		wg.Wait()
	})
}

// Out produces the final output channel.
func (p Pipe[T]) Out() <-chan T {
	return p.steps[len(p.steps)-1]
}

// IntoFor takes the input pipe and transforms it to another type.
func IntoFor[T, S any](in Pipe[T], fn func(in <-chan T, out chan<- S)) Pipe[S] {
	next := make(chan S, in.Width)
	go fn(in.steps[len(in.steps)-1], next)
	return From(next)
}

// Into takes the input pipe and transforms it to another type.
func Into[T, S any](in Pipe[T], fn func(in T, out chan<- S)) Pipe[S] {
	return IntoFor(in, func(in <-chan T, out chan<- S) {
		defer close(out)
		for t := range in {
			fn(t, out)
		}
	})
}

// ParInto transforms the pipe to another type with n concurrent workers.
// Output order is not preserved.
func ParInto[T, S any](in Pipe[T], n int, fn func(in T, out chan<- S)) Pipe[S] {
	return IntoFor(in, func(in <-chan T, out chan<- S) {
		defer close(out)
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for t := range in {
					fn(t, out)
				}
			}()
		}
		wg.Wait()
	})
}
