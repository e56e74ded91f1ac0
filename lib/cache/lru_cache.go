package cache

type LRUNode struct {
	Key string
	Val []byte

	Prev *LRUNode
	Next *LRUNode
}

type LRU struct {
	capacity int
	cache    map[string]*LRUNode

	left  *LRUNode
	right *LRUNode
}

func NewLRU(capacity int) *LRU {
	left, right := &LRUNode{}, &LRUNode{}

	left.Next = right
	right.Prev = left

	return &LRU{
		left:     left,
		right:    right,
		capacity: capacity,
		cache:    make(map[string]*LRUNode),
	}
}

func (l *LRU) Put(key string, value []byte) {
	node, exists := l.cache[key]
	if exists {
		l.deleteNode(node)
	}

	node = &LRUNode{Key: key, Val: value}
	l.cache[key] = node
	l.insertNode(node)

	if len(l.cache) > l.capacity {
		lru := l.left.Next
		l.deleteNode(lru)
		delete(l.cache, lru.Key)
	}
}

func (l *LRU) Get(key string) ([]byte, bool) {
	node, exists := l.cache[key]
	if !exists {
		return nil, false
	}

	l.deleteNode(node)
	l.insertNode(node)

	return node.Val, true
}

func (l *LRU) Remove(key string) {
	node, exists := l.cache[key]
	if !exists {
		return
	}

	l.deleteNode(node)
	delete(l.cache, key)
}

// deleteNode unlinks node from the recency list.
func (l *LRU) deleteNode(node *LRUNode) {
	prev, next := node.Prev, node.Next

	prev.Next = next
	next.Prev = prev
}

// insertNode links node as most recently used.
func (l *LRU) insertNode(node *LRUNode) {
	prev, next := l.right.Prev, l.right

	prev.Next = node
	next.Prev = node

	node.Prev = prev
	node.Next = next
}
