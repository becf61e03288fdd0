package governor

import "container/heap"

// requestQueue is a max-heap over request priority. Equal priorities come
// out in submission order via the sequence number, so callers get FIFO
// behavior within a priority level.
type requestQueue []*Request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *requestQueue) Push(x any) { *q = append(*q, x.(*Request)) }

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return req
}

func (q requestQueue) peek() *Request {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *requestQueue) push(r *Request) { heap.Push(q, r) }

func (q *requestQueue) pop() *Request { return heap.Pop(q).(*Request) }
