package orderbook

// priceLevel is the FIFO queue of orders resting at one price. Orders are
// linked intrusively so a cancel unlinks in O(1).
type priceLevel struct {
	price int64
	head  *Order
	tail  *Order
	total int64
	count int
}

func (l *priceLevel) push(o *Order) {
	o.level = l
	o.prev = l.tail
	o.next = nil
	if l.tail != nil {
		l.tail.next = o
	} else {
		l.head = o
	}
	l.tail = o
	l.total += o.Remaining
	l.count++
}

func (l *priceLevel) unlink(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	l.total -= o.Remaining
	l.count--
	o.level, o.prev, o.next = nil, nil, nil
}
