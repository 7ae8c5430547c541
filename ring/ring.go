// Package ring implements the symmetric ring-exchange distance engine: it
// fills an N×N pairwise-distance matrix from a row-partitioned N×F input by
// exploiting S[i,j] = S[j,i] to halve the communication and compute every
// rank would otherwise need.
package ring

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/gomlx/daso/array"
	"github.com/gomlx/daso/metric"
	"github.com/gomlx/daso/partition"
	"github.com/gomlx/daso/transport"
	"github.com/pkg/errors"
)

// Similarity computes the full N×N pairwise distance/similarity matrix of x
// under m, row-partitioned the same way x is. x must be split along axis 0
// (rows) or not split at all; any other split is a caller error reported
// before any communication happens.
func Similarity(ctx context.Context, x array.DistributedArray, m metric.Metric) (array.DistributedArray, error) {
	if x.Split() == array.SplitCols {
		return nil, errors.New("ring: Similarity does not support column-split input (split=1)")
	}
	rows, cols := x.Shape()
	if cols <= 0 {
		return nil, errors.Errorf("ring: Similarity requires at least one feature column, got %d", cols)
	}

	g := x.Group()
	p := g.Size()
	r := g.Rank()

	out, err := array.NewDense(g, rows, rows, array.SplitRows, x.DType())
	if err != nil {
		return nil, errors.Wrap(err, "ring: allocating output")
	}

	counts := out.Counts()
	rowStart, rowEnd := counts.Range(r)
	stationary := x.LocalTensor()
	if x.Split() == array.SplitNone {
		// Every rank holds all rows; keep only the band this rank owns in out.
		stationary = stationary[rowStart:rowEnd]
	}

	// i = 0: diagonal tile, no communication.
	diag, err := m.Call(stationary, stationary)
	if err != nil {
		return nil, errors.Wrap(err, "ring: diagonal tile")
	}
	if err := out.SetTile(rowStart, rowEnd, rowStart, rowEnd, diag); err != nil {
		return nil, err
	}

	// Full bidirectional rounds only cover offsets where sender != receiver;
	// for even P, offset i = P/2 has sender == receiver == the antipode, so
	// that pair is left to the single half-duplex round below instead of
	// being exchanged twice.
	fullRounds := (p - 1) / 2
	for i := 1; i <= fullRounds; i++ {
		if err := exchangeIteration(ctx, g, out, counts, stationary, m, r, p, i); err != nil {
			return nil, err
		}
	}

	// Odd group sizes need no extra round: the loop above already covers
	// every non-diagonal offset symmetrically. Even group sizes have one
	// antipodal pair (r, r+P/2) left uncovered, serviced by one extra
	// half-duplex round.
	if p%2 == 0 {
		if err := antipodalIteration(ctx, g, out, counts, stationary, m, r, p); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// exchangeIteration runs one full ring round for offset i ∈ [1, ⌊(P-1)/2⌋]:
// rank r sends its stationary block to receiver = (r+i) mod P, receives
// sender = (r-i) mod P's block, computes the tile against it, and sends that
// tile back to sender so sender doesn't have to redo the symmetric half of
// the work; the tile for the (r, receiver) pair arrives from receiver the
// same way and is transposed into place.
func exchangeIteration(
	ctx context.Context,
	g *transport.Group,
	out *array.DenseArray,
	counts partition.Counts,
	stationary [][]float64,
	m metric.Metric,
	r, p, i int,
) error {
	receiver := (r + i) % p
	sender := ((r-i)%p + p) % p
	tag := i

	sendFirst := (r / i) == 0

	var moving [][]float64
	var err error
	if sendFirst {
		if err = sendRows(ctx, g, receiver, tag, stationary); err != nil {
			return errors.Wrap(err, "ring: send stationary block")
		}
		if moving, err = recvRows(ctx, g, sender, tag); err != nil {
			return errors.Wrap(err, "ring: recv moving block")
		}
	} else {
		if moving, err = recvRows(ctx, g, sender, tag); err != nil {
			return errors.Wrap(err, "ring: recv moving block")
		}
		if err = sendRows(ctx, g, receiver, tag, stationary); err != nil {
			return errors.Wrap(err, "ring: send stationary block")
		}
	}

	senderRowStart, senderRowEnd := counts.Range(sender)
	dij, err := m.Call(stationary, moving)
	if err != nil {
		return errors.Wrap(err, "ring: cross tile")
	}
	rowStart, rowEnd := counts.Range(r)
	if err := out.SetTile(rowStart, rowEnd, senderRowStart, senderRowEnd, dij); err != nil {
		return err
	}

	// Send the tile back to sender, and receive the mirror tile computed by
	// receiver for the (receiver, r) pair.
	if err := sendRows(ctx, g, sender, tag, dij); err != nil {
		return errors.Wrap(err, "ring: send tile back to sender")
	}
	mirror, err := recvRows(ctx, g, receiver, tag)
	if err != nil {
		return errors.Wrap(err, "ring: recv mirror tile")
	}
	receiverRowStart, receiverRowEnd := counts.Range(receiver)
	transposed := transpose(mirror)
	if err := out.SetTile(rowStart, rowEnd, receiverRowStart, receiverRowEnd, transposed); err != nil {
		return err
	}
	return nil
}

// antipodalIteration services the single leftover pair (r, r+P/2) for even
// P: the lower half only receives a block and sends back the computed tile;
// the upper half only sends its block and receives the transposed tile.
func antipodalIteration(
	ctx context.Context,
	g *transport.Group,
	out *array.DenseArray,
	counts partition.Counts,
	stationary [][]float64,
	m metric.Metric,
	r, p int,
) error {
	half := p / 2
	tag := half + 1
	rowStart, rowEnd := counts.Range(r)

	if r < half {
		peer := r + half
		moving, err := recvRows(ctx, g, peer, tag)
		if err != nil {
			return errors.Wrap(err, "ring: antipodal recv")
		}
		dij, err := m.Call(stationary, moving)
		if err != nil {
			return errors.Wrap(err, "ring: antipodal tile")
		}
		peerRowStart, peerRowEnd := counts.Range(peer)
		if err := out.SetTile(rowStart, rowEnd, peerRowStart, peerRowEnd, dij); err != nil {
			return err
		}
		return errors.Wrap(sendRows(ctx, g, peer, tag, dij), "ring: antipodal send-back")
	}

	peer := r - half
	if err := sendRows(ctx, g, peer, tag, stationary); err != nil {
		return errors.Wrap(err, "ring: antipodal send")
	}
	mirror, err := recvRows(ctx, g, peer, tag)
	if err != nil {
		return errors.Wrap(err, "ring: antipodal recv mirror")
	}
	peerRowStart, peerRowEnd := counts.Range(peer)
	transposed := transpose(mirror)
	if err := out.SetTile(rowStart, rowEnd, peerRowStart, peerRowEnd, transposed); err != nil {
		return err
	}
	return nil
}

func transpose(rows [][]float64) [][]float64 {
	if len(rows) == 0 {
		return [][]float64{}
	}
	r := len(rows)
	c := len(rows[0])
	out := make([][]float64, c)
	for j := 0; j < c; j++ {
		out[j] = make([]float64, r)
		for i := 0; i < r; i++ {
			out[j][i] = rows[i][j]
		}
	}
	return out
}

// sendRows encodes a dense row-major block as float64 (with a leading
// column-count header) and sends it.
func sendRows(ctx context.Context, g *transport.Group, peer, tag int, rows [][]float64) error {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	buf := make([]byte, 0, len(rows)*cols*8+4)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(cols))
	for _, row := range rows {
		for _, v := range row {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return g.Send(ctx, peer, tag, buf)
}

// recvRows probes the incoming message to size the buffer (the row count is
// not known ahead of time on the receiving side, per §4.D), then decodes it
// using the embedded column-count header.
func recvRows(ctx context.Context, g *transport.Group, peer, tag int) ([][]float64, error) {
	st, err := g.Probe(ctx, peer, tag)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Count)
	if err := g.Recv(ctx, peer, tag, buf); err != nil {
		return nil, err
	}
	if len(buf) < 4 {
		return nil, errors.New("ring: received block too short to contain a column-count header")
	}
	cols := int(binary.LittleEndian.Uint32(buf[:4]))
	buf = buf[4:]
	if cols == 0 {
		return [][]float64{}, nil
	}
	if len(buf)%(cols*8) != 0 {
		return nil, errors.Errorf("ring: received block size %d is not a multiple of row width %d", len(buf), cols*8)
	}
	rowCount := len(buf) / (cols * 8)
	out := make([][]float64, rowCount)
	off := 0
	for i := range out {
		row := make([]float64, cols)
		for j := range row {
			row[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
			off += 8
		}
		out[i] = row
	}
	return out, nil
}
