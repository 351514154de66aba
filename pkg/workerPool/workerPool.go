// Package workerpool runs queued tasks on a fixed set of workers. Rooms
// group related tasks so their results can be collected together; the
// soak tool uses one room per image to hammer the controller from many
// goroutines at once.
package workerpool

import (
	"fmt"
	"runtime"
	"sync"
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

type Room struct {
	bufferSize int
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type Task struct {
	run  func() interface{}
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		bufferSize: size,
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot enqueues job, blocking while the global queue is
// full.
func (ro *Room) NewTaskWaitForFreeSlot(job func() interface{}) {
	ro.wg.Add(1)
	ro.wp.taskQueue <- Task{run: job, room: ro}
}

// NewTask enqueues job or fails fast when a buffer is full.
func (ro *Room) NewTask(job func() interface{}) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return fmt.Errorf("global buffer is full, wait for tasks to finish or increase the buffer size")
	}

	if len(ro.resultChan) == cap(ro.resultChan) {
		return fmt.Errorf("room buffer is full, wait for tasks to finish or increase the buffer size")
	}

	ro.NewTaskWaitForFreeSlot(job)

	return nil
}

// Collect waits for the room's tasks and returns their results.
func (ro *Room) Collect() []interface{} {
	go ro.waitAndClose()
	results := make([]interface{}, 0)

	for result := range ro.resultChan {
		results = append(results, result)
	}

	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
