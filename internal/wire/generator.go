package wire

import "sync"

// DataGenerator adds fields to the record of an item. Destroy is called once
// the client no longer references the item's key.
type DataGenerator[T any] interface {
	Generate(item T, rec Record)
	Refresh(item T)
	Destroy(item T)
	DestroyAll()
}

// GeneratorFunc is a stateless DataGenerator.
type GeneratorFunc[T any] func(item T, rec Record)

func (f GeneratorFunc[T]) Generate(item T, rec Record) { f(item, rec) }
func (GeneratorFunc[T]) Refresh(T)                     {}
func (GeneratorFunc[T]) Destroy(T)                     {}
func (GeneratorFunc[T]) DestroyAll()                   {}

// CompositeGenerator runs its generators in registration order.
type CompositeGenerator[T any] struct {
	mu     sync.Mutex
	nextID int
	gens   []generatorEntry[T]
}

type generatorEntry[T any] struct {
	id  int
	gen DataGenerator[T]
}

// Add registers gen and returns a function that removes it again. A removed
// generator gets DestroyAll.
func (c *CompositeGenerator[T]) Add(gen DataGenerator[T]) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.gens = append(c.gens, generatorEntry[T]{id: id, gen: gen})
	return func() {
		c.mu.Lock()
		for i, e := range c.gens {
			if e.id == id {
				c.gens = append(c.gens[:i:i], c.gens[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		gen.DestroyAll()
	}
}

func (c *CompositeGenerator[T]) snapshot() []DataGenerator[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DataGenerator[T], len(c.gens))
	for i, e := range c.gens {
		out[i] = e.gen
	}
	return out
}

func (c *CompositeGenerator[T]) Generate(item T, rec Record) {
	for _, g := range c.snapshot() {
		g.Generate(item, rec)
	}
}

func (c *CompositeGenerator[T]) Refresh(item T) {
	for _, g := range c.snapshot() {
		g.Refresh(item)
	}
}

func (c *CompositeGenerator[T]) Destroy(item T) {
	for _, g := range c.snapshot() {
		g.Destroy(item)
	}
}

func (c *CompositeGenerator[T]) DestroyAll() {
	for _, g := range c.snapshot() {
		g.DestroyAll()
	}
}
