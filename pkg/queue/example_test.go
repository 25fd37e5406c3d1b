package queue_test

import (
	"fmt"

	"github.com/srediag/mirror-ring/pkg/mirror"
	"github.com/srediag/mirror-ring/pkg/queue"
)

func ExampleQueue() {
	q, err := queue.New(&queue.Config{InitialCapacity: mirror.PageSize()})
	if err != nil {
		fmt.Println("failed to create queue:", err)
		return
	}
	defer q.Close()

	_, _ = q.Write([]byte("hello world"))
	out := make([]byte, 5)
	n, _ := q.Read(out)
	fmt.Println(string(out[:n]), q.AvailableBytes())
	// Output: hello 6
}
