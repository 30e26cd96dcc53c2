package gomalloc_test

import (
	"fmt"
	"log"

	"github.com/hupe1980/gomalloc"
)

// Example demonstrates allocating and freeing a block.
func Example() {
	alloc, err := gomalloc.New()
	if err != nil {
		log.Fatal(err)
	}
	defer alloc.Close()

	heap, err := alloc.NewHeap()
	if err != nil {
		log.Fatal(err)
	}
	defer heap.Close()

	buf, err := heap.Malloc(100)
	if err != nil {
		log.Fatal(err)
	}
	n := copy(buf, "hello")
	fmt.Println(string(buf[:n]), len(buf), cap(buf))

	if err := heap.Free(buf); err != nil {
		log.Fatal(err)
	}
	// Output: hello 100 112
}

// Example_crossGoroutineFree demonstrates freeing a block on another goroutine.
func Example_crossGoroutineFree() {
	alloc, err := gomalloc.New()
	if err != nil {
		log.Fatal(err)
	}
	defer alloc.Close()

	heap, err := alloc.NewHeap()
	if err != nil {
		log.Fatal(err)
	}
	defer heap.Close()

	buf, _ := heap.Malloc(64)
	done := make(chan error)
	go func() { done <- alloc.Free(buf) }()
	if err := <-done; err != nil {
		log.Fatal(err)
	}

	heap.Collect(true)
	fmt.Println("thread frees:", alloc.Stats().ThreadFreed)
	// Output: thread frees: 1
}

// Example_calloc demonstrates overflow detection.
func Example_calloc() {
	alloc, err := gomalloc.New(gomalloc.WithReporter(gomalloc.ReporterFunc(func(r gomalloc.Report) {
		fmt.Println("report:", r.Code)
	})))
	if err != nil {
		log.Fatal(err)
	}
	defer alloc.Close()

	heap, _ := alloc.NewHeap()
	defer heap.Close()

	_, err = heap.Calloc(1<<40, 1<<40)
	fmt.Println(err != nil)
	// Output:
	// report: overflow
	// true
}
