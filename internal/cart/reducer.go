package cart

// Apply returns the cart that results from applying op to c.
//
// Apply is pure. Invalid or non-targeting operations return c unchanged,
// including its Version.
func Apply(c Cart, op Op) Cart {
	if op.Validate() != nil {
		return c
	}

	var next Cart
	var changed bool
	switch op.Kind {
	case KindAdd:
		next, changed = add(c, op.Item)
	case KindUpdate:
		if op.Quantity == 0 {
			next, changed = remove(c, op.MerchandiseID)
		} else {
			next, changed = update(c, op.MerchandiseID, op.Quantity)
		}
	case KindRemove:
		next, changed = remove(c, op.MerchandiseID)
	}
	if !changed {
		return c
	}

	next = Recompute(next)
	next.Version = c.Version + 1
	return next
}

func add(c Cart, item Item) (Cart, bool) {
	qty := item.Quantity
	if qty == 0 {
		qty = 1
	}

	lines := make([]Line, 0, len(c.Lines)+1)
	found := false
	for _, l := range c.Lines {
		if l.MerchandiseID == item.MerchandiseID {
			found = true
			l.Quantity += qty
			l.UnitPrice = item.UnitPrice
			if item.Merchandise.Title != "" {
				l.Merchandise = item.Merchandise
			}
		}
		lines = append(lines, l)
	}
	if !found {
		lines = append(lines, Line{
			MerchandiseID: item.MerchandiseID,
			Quantity:      qty,
			UnitPrice:     item.UnitPrice,
			Merchandise:   item.Merchandise,
		})
	}

	c.Lines = lines
	return c, true
}

func update(c Cart, merchandiseID string, quantity int) (Cart, bool) {
	lines := make([]Line, 0, len(c.Lines))
	found := false
	for _, l := range c.Lines {
		if l.MerchandiseID == merchandiseID {
			found = true
			l.Quantity = quantity
		}
		lines = append(lines, l)
	}
	if !found {
		return c, false
	}
	c.Lines = lines
	return c, true
}

func remove(c Cart, merchandiseID string) (Cart, bool) {
	lines := make([]Line, 0, len(c.Lines))
	for _, l := range c.Lines {
		if l.MerchandiseID != merchandiseID {
			lines = append(lines, l)
		}
	}
	if len(lines) == len(c.Lines) {
		return c, false
	}
	c.Lines = lines
	return c, true
}
