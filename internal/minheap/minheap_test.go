package minheap

import "testing"

func TestInsertExtractMinOrder(t *testing.T) {
	h := New[string]()
	h.Insert("c", 3)
	h.Insert("a", 1)
	h.Insert("b", 2)

	var order []string
	for h.Len() > 0 {
		v, _, ok := h.ExtractMin()
		if !ok {
			t.Fatalf("expected element")
		}
		order = append(order, v)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTieBreakByInsertionOrder(t *testing.T) {
	h := New[int]()
	h.Insert(1, 5)
	h.Insert(2, 5)
	h.Insert(3, 5)

	v, _, _ := h.ExtractMin()
	if v != 1 {
		t.Errorf("expected first-inserted element 1 to win tie, got %d", v)
	}
}

func TestUpdateReordersAfterSifts(t *testing.T) {
	h := New[string]()
	ha := h.Insert("a", 10)
	hb := h.Insert("b", 20)
	hc := h.Insert("c", 30)
	_ = hb

	// Force sifting: decrease c below a, then increase a above everything.
	h.Update(hc, 1)
	v, _, _ := h.ExtractMin()
	if v != "c" {
		t.Fatalf("expected c after its priority dropped, got %s", v)
	}

	h.Update(ha, 100)
	v, _, _ = h.ExtractMin()
	if v != "b" {
		t.Fatalf("expected b after a's priority rose, got %s", v)
	}
}

func TestRemoveArbitraryElement(t *testing.T) {
	h := New[int]()
	h.Insert(1, 1)
	h2 := h.Insert(2, 2)
	h.Insert(3, 3)

	h.Remove(h2)
	if h.Len() != 2 {
		t.Fatalf("expected 2 elements after remove, got %d", h.Len())
	}
	v, _, _ := h.ExtractMin()
	if v != 1 {
		t.Errorf("expected 1, got %d", v)
	}
	v, _, _ = h.ExtractMin()
	if v != 3 {
		t.Errorf("expected 3, got %d", v)
	}
}

func TestUpdateStaleHandleIsNoOp(t *testing.T) {
	h := New[int]()
	handle := h.Insert(1, 1)
	h.ExtractMin()
	// handle now refers to an extracted element; Update must not panic or corrupt state.
	h.Update(handle, 99)
	if h.Len() != 0 {
		t.Errorf("expected empty heap, got len %d", h.Len())
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	h := New[int]()
	h.Insert(5, 5)
	v, p, ok := h.Peek()
	if !ok || v != 5 || p != 5 {
		t.Fatalf("unexpected peek result: %v %v %v", v, p, ok)
	}
	if h.Len() != 1 {
		t.Errorf("expected peek to leave element in heap")
	}
}

func TestExtractMinEmpty(t *testing.T) {
	h := New[int]()
	_, _, ok := h.ExtractMin()
	if ok {
		t.Errorf("expected ok=false on empty heap")
	}
}
