// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pagetables builds the stage 2 translation tables walked by the
// SMMU: four levels of 4K tables with 512 descriptors each.
//
// Tables live in DMA memory so the device can walk them. The software side of
// the tree holds a pointer to every child table, so descriptors are never
// decoded to find a child.
package pagetables

import (
	"encoding/binary"
	"fmt"

	"gvisor.dev/smmu/pkg/abi/smmuv3"
	"gvisor.dev/smmu/pkg/dma"
	"gvisor.dev/smmu/pkg/errors/iommuerr"
	"gvisor.dev/smmu/pkg/hostarch"
	"gvisor.dev/smmu/pkg/log"
)

const (
	// Levels is the depth of the tree.
	Levels = 4

	// entriesPerPage is the number of descriptors in a table.
	entriesPerPage = 512

	// pteShift is the number of input address bits resolved per level.
	pteShift = 9

	// pteSize is the size of a descriptor in bytes.
	pteSize = 8
)

// Index returns the descriptor index for addr at the given level, where level
// 0 is the root.
func Index(addr uint64, level int) int {
	shift := hostarch.PageShift + pteShift*(Levels-1-level)
	return int((addr >> shift) & (entriesPerPage - 1))
}

// Node is a single table within a set of page tables.
type Node struct {
	// region is the DMA page holding the descriptors.
	region dma.Region

	// children holds the table referenced by each descriptor. It is empty
	// for leaf tables.
	children [entriesPerPage]*Node
}

// Addr returns the physical address of the table.
func (n *Node) Addr() uint64 {
	return n.region.Addr
}

// Entry returns descriptor i.
func (n *Node) Entry(i int) PTE {
	return PTE(binary.LittleEndian.Uint64(n.region.Data[i*pteSize:]))
}

func (n *Node) setEntry(i int, p PTE) {
	binary.LittleEndian.PutUint64(n.region.Data[i*pteSize:], uint64(p))
}

// PageTables is a set of stage 2 page tables.
//
// PageTables is not safe for concurrent use.
type PageTables struct {
	alloc dma.Allocator

	// root is the level 0 table. It is nil after TearDown.
	root *Node

	// nodes counts live tables, the root included.
	nodes int
}

// New returns new PageTables with an empty root table.
func New(alloc dma.Allocator) (*PageTables, error) {
	p := &PageTables{alloc: alloc}
	root, err := p.allocNode()
	if err != nil {
		return nil, err
	}
	p.root = root
	return p, nil
}

// Root returns the physical address of the root table.
func (p *PageTables) Root() uint64 {
	if p.root == nil {
		return 0
	}
	return p.root.Addr()
}

// Nodes returns the number of live tables.
func (p *PageTables) Nodes() int {
	return p.nodes
}

func (p *PageTables) allocNode() (*Node, error) {
	r, err := p.alloc.AllocatePages(1)
	if err != nil {
		return nil, fmt.Errorf("allocating page table: %w", err)
	}
	// Tables must start empty.
	clear(r.Data)
	p.nodes++
	return &Node{region: r}, nil
}

// UpdateRange updates every page overlapping [addr, addr+length).
//
// If flagsOnly is set, only flags are merged into the descriptors along each
// walk and validity is left alone. Otherwise valid selects between mapping
// each page to itself and clearing the leaf's valid bit; flags are merged in
// both cases. Missing tables are allocated along the way, including for
// invalidation and flags-only updates.
//
// Ranges ending above the 48-bit input address space are rejected with
// iommuerr.InvalidParameter. If a table cannot be allocated, an error
// wrapping iommuerr.OutOfResources is returned and pages before the failing
// one keep their update.
func (p *PageTables) UpdateRange(addr, length uint64, flags PTE, valid, flagsOnly bool) error {
	if p.root == nil {
		return fmt.Errorf("page tables were torn down: %w", iommuerr.NotReady)
	}
	end, ok := hostarch.PageRoundUp(addr + length)
	if !ok || addr+length < addr {
		return fmt.Errorf("range [%#x, +%#x) overflows: %w", addr, length, iommuerr.InvalidParameter)
	}
	if end > 1<<smmuv3.MaxTranslationBits {
		return fmt.Errorf("range [%#x, +%#x) exceeds %d address bits: %w", addr, length, smmuv3.MaxTranslationBits, iommuerr.InvalidParameter)
	}
	for a := hostarch.PageRoundDown(addr); a < end; a += hostarch.PageSize {
		if err := p.updatePage(a, flags, valid, flagsOnly); err != nil {
			return err
		}
	}
	return nil
}

func (p *PageTables) updatePage(addr uint64, flags PTE, valid, flagsOnly bool) error {
	n := p.root
	for level := 0; level < Levels-1; level++ {
		i := Index(addr, level)
		child := n.children[i]
		if child == nil {
			c, err := p.allocNode()
			if err != nil {
				return fmt.Errorf("mapping %#x at level %d: %w", addr, level, err)
			}
			child = c
			n.children[i] = child
			n.setEntry(i, PTE(child.Addr()))
		}
		e := n.Entry(i)
		if !flagsOnly && valid {
			e |= Valid
		}
		n.setEntry(i, e.updateFlags(flags, flagsOnly))
		n = child
	}

	i := Index(addr, Levels-1)
	e := n.Entry(i)
	if valid && e.Valid() {
		log.Debugf("pagetables: %#x is already mapped", addr)
	}
	if !flagsOnly {
		if valid {
			e = PTE(addr)&addressMask | Valid
		} else {
			e &^= Valid
		}
	}
	n.setEntry(i, e.updateFlags(flags, flagsOnly))
	return nil
}

// Lookup returns the leaf descriptor for addr. ok is false if no leaf table
// covers addr.
func (p *PageTables) Lookup(addr uint64) (pte PTE, ok bool) {
	n := p.root
	if n == nil {
		return 0, false
	}
	for level := 0; level < Levels-1; level++ {
		n = n.children[Index(addr, level)]
		if n == nil {
			return 0, false
		}
	}
	return n.Entry(Index(addr, Levels-1)), true
}

// VisitLeaves calls fn for every non-empty leaf descriptor in input address
// order.
func (p *PageTables) VisitLeaves(fn func(addr uint64, pte PTE)) {
	if p.root != nil {
		visit(p.root, 0, 0, fn)
	}
}

func visit(n *Node, level int, base uint64, fn func(addr uint64, pte PTE)) {
	shift := hostarch.PageShift + pteShift*(Levels-1-level)
	for i := 0; i < entriesPerPage; i++ {
		addr := base | uint64(i)<<shift
		if level == Levels-1 {
			if e := n.Entry(i); e != 0 {
				fn(addr, e)
			}
			continue
		}
		if c := n.children[i]; c != nil {
			visit(c, level+1, addr, fn)
		}
	}
}

// TearDown frees every table, children before their parent and the root
// last. It is safe on a partially built tree and a no-op after the first
// call. The first free error is returned after all tables were released.
func (p *PageTables) TearDown() error {
	if p.root == nil {
		return nil
	}
	var firstErr error
	p.free(p.root, &firstErr)
	p.root = nil
	return firstErr
}

func (p *PageTables) free(n *Node, firstErr *error) {
	for i, c := range n.children {
		if c == nil {
			continue
		}
		p.free(c, firstErr)
		n.children[i] = nil
	}
	if err := p.alloc.FreePages(n.region); err != nil && *firstErr == nil {
		*firstErr = fmt.Errorf("freeing page table %#x: %w", n.Addr(), err)
	}
	p.nodes--
}
