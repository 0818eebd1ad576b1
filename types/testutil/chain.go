// Package testutil generates valid certificate chains for tests, in the
// spirit of the upstream cert-spammer load-testing tool: a generator that
// keeps producing well-formed chained certificates rather than a production
// command.
package testutil

import (
	"encoding/binary"

	"github.com/topos-protocol/topos-tce-broadcast/types"
)

// ChainGenerator produces a strictly increasing, causally linked sequence of
// certificates for a single source subnet.
type ChainGenerator struct {
	Source  types.SubnetID
	Targets []types.SubnetID

	prev  types.CertificateID
	count uint64
}

func NewChainGenerator(source types.SubnetID, targets ...types.SubnetID) *ChainGenerator {
	return &ChainGenerator{Source: source, Targets: targets, prev: types.ZeroCertificateID}
}

// Next produces the next certificate in the chain, with prev_id pointing at
// the previously generated certificate (or zero for the first call).
func (g *ChainGenerator) Next() *types.Certificate {
	var stateRoot [32]byte
	binary.BigEndian.PutUint64(stateRoot[24:], g.count)

	c := types.NewCertificate(
		g.prev,
		g.Source,
		stateRoot,
		[32]byte{},
		[32]byte{},
		g.Targets,
		0,
		nil,
	)
	g.prev = c.ID
	g.count++
	return c
}

// NextN produces n consecutive certificates.
func (g *ChainGenerator) NextN(n int) []*types.Certificate {
	out := make([]*types.Certificate, n)
	for i := range out {
		out[i] = g.Next()
	}
	return out
}
