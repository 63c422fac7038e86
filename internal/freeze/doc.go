// Package freeze moves an object subgraph into the immutable, shareable
// state.
//
// A freeze attempt walks everything reachable from a root breadth-first,
// running the registered hook for each object's kind as the object is
// reached. The visited set is then scanned for a pinned object; if there is
// one the attempt is blocked and no frozen flag changes, otherwise every
// visited object is marked frozen. All of this happens under an exclusive
// heap.World, so attempts serialize with each other and with mutators.
package freeze
