package region

// findFit returns the first free descriptor of the smallest size that can
// hold size bytes. Only the first descriptor of each run of equal sizes is
// visited.
func (a *Allocator) findFit(size uintptr) *descriptor {
	for d := a.freeBySize; d != nil; d = d.firstBigger {
		if d.size >= size {
			return d
		}
	}

	return nil
}

// insertBySize links d into the size-ordered free list after any descriptors
// of the same size.
func (a *Allocator) insertBySize(d *descriptor) {
	var (
		prev, prevRunHead *descriptor
		cur               = a.freeBySize
	)

	for cur != nil && cur.size <= d.size {
		prevRunHead = cur
		next := cur.firstBigger
		for cur.sizeNext != next {
			cur = cur.sizeNext
		}
		prev, cur = cur, next
	}

	d.sizeNext = cur
	if prev == nil {
		a.freeBySize = d
	} else {
		prev.sizeNext = d
	}

	if prev != nil && prev.size == d.size {
		d.firstBigger = prev.firstBigger
		return
	}

	// d starts a new run; the run before it must now skip to d.
	d.firstBigger = cur
	if prevRunHead != nil {
		for n := prevRunHead; n != d; n = n.sizeNext {
			n.firstBigger = d
		}
	}
}

// removeBySize unlinks d from the size-ordered free list.
func (a *Allocator) removeBySize(d *descriptor) {
	var prevRunHead *descriptor
	runHead := a.freeBySize
	for runHead.size != d.size {
		prevRunHead, runHead = runHead, runHead.firstBigger
	}

	var pred *descriptor
	switch {
	case runHead != d:
		for pred = runHead; pred.sizeNext != d; pred = pred.sizeNext {
		}
	case prevRunHead != nil:
		for pred = prevRunHead; pred.sizeNext != d; pred = pred.sizeNext {
		}
	}

	if pred == nil {
		a.freeBySize = d.sizeNext
	} else {
		pred.sizeNext = d.sizeNext
	}

	// If d headed its run, the previous run must skip to whatever follows d.
	if runHead == d && prevRunHead != nil {
		for n := prevRunHead; n != nil && n.size == prevRunHead.size; n = n.sizeNext {
			n.firstBigger = d.sizeNext
		}
	}

	d.sizeNext, d.firstBigger = nil, nil
}
