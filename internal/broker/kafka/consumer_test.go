package kafka

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs      []kafka.Message
	err       error
	i         int
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if r.i < len(r.msgs) {
		m := r.msgs[r.i]
		r.i++
		return m, nil
	}
	if r.err != nil {
		return kafka.Message{}, r.err
	}
	return kafka.Message{}, errors.New("eof")
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestConsumer_Consume_CallsHandlerAndCommits(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}},
		err:  errors.New("stop"),
	}
	c := newConsumerWithReader(fr)

	var gotK, gotV []byte
	err := c.Consume(context.Background(), func(k, v []byte) error {
		gotK, gotV = k, v
		return nil
	})
	require.Error(t, err)
	require.Equal(t, []byte("k"), gotK)
	require.Equal(t, []byte("v"), gotV)
	require.Len(t, fr.committed, 1)
}

func TestConsumer_Consume_HandlerErrorStopsWithoutCommit(t *testing.T) {
	fr := &fakeReader{msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}}}
	c := newConsumerWithReader(fr)

	want := errors.New("handler failed")
	err := c.Consume(context.Background(), func(k, v []byte) error { return want })
	require.ErrorIs(t, err, want)
	require.Empty(t, fr.committed)
}

func TestNewConsumer_Close(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "t", "g")
	require.NotNil(t, c)
	require.NoError(t, c.Close())
}

func TestConsumer_Consume_NoCommitWithoutGroup(t *testing.T) {
	fr := &fakeReader{
		msgs: []kafka.Message{{Key: []byte("k"), Value: []byte("v")}},
		err:  errors.New("stop"),
	}
	c := &Consumer{r: fr}

	calls := 0
	err := c.Consume(context.Background(), func(k, v []byte) error {
		calls++
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Empty(t, fr.committed)
}

type fakeOffsets struct {
	last  map[int]int64
	err   error
	calls int
}

func (o *fakeOffsets) LastOffsets(ctx context.Context, topic string) (map[int]int64, error) {
	o.calls++
	return o.last, o.err
}

type openedReader struct {
	partition int
	offset    int64
	r         *fakeReader
}

// fanOutConsumer returns a tail consumer whose readers are fakes serving msgs
// keyed by partition.
func fanOutConsumer(offsets *fakeOffsets, msgs map[int][]kafka.Message) (*Consumer, *[]openedReader) {
	var mu sync.Mutex
	opened := &[]openedReader{}
	c := &Consumer{
		topic:   "location.changed",
		offsets: offsets,
		newReader: func(partition int, offset int64) (messageReader, error) {
			fr := &fakeReader{msgs: msgs[partition], err: errors.New("stop")}
			mu.Lock()
			*opened = append(*opened, openedReader{partition: partition, offset: offset, r: fr})
			mu.Unlock()
			return fr, nil
		},
	}
	return c, opened
}

func TestConsumer_Pin_OpensReaderPerPartitionAtTail(t *testing.T) {
	offsets := &fakeOffsets{last: map[int]int64{1: 57, 0: 120}}
	c, opened := fanOutConsumer(offsets, nil)

	require.NoError(t, c.Pin(context.Background()))
	require.NoError(t, c.Pin(context.Background()))

	require.Equal(t, 1, offsets.calls)
	require.Len(t, *opened, 2)
	require.Equal(t, 0, (*opened)[0].partition)
	require.Equal(t, int64(120), (*opened)[0].offset)
	require.Equal(t, 1, (*opened)[1].partition)
	require.Equal(t, int64(57), (*opened)[1].offset)

	require.NoError(t, c.Close())
	require.True(t, (*opened)[0].r.closed)
	require.True(t, (*opened)[1].r.closed)
	require.Error(t, c.Pin(context.Background()))
}

func TestConsumer_Pin_ResolveErrorReturned(t *testing.T) {
	want := errors.New("broker down")
	c, opened := fanOutConsumer(&fakeOffsets{err: want}, nil)

	err := c.Pin(context.Background())
	require.ErrorIs(t, err, want)
	require.Empty(t, *opened)
}

func TestConsumer_Consume_FanOutReadsEveryPartitionWithoutCommit(t *testing.T) {
	offsets := &fakeOffsets{last: map[int]int64{0: 10, 1: 20}}
	c, opened := fanOutConsumer(offsets, map[int][]kafka.Message{
		0: {{Key: []byte("dev-1"), Value: []byte("a")}, {Key: []byte("dev-1"), Value: []byte("b")}},
		1: {{Key: []byte("dev-2"), Value: []byte("c")}},
	})

	// Pin не вызывали: Consume фиксирует офсеты сам
	var got []string
	err := c.Consume(context.Background(), func(k, v []byte) error {
		got = append(got, string(k)+"/"+string(v))
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 1, offsets.calls)

	sort.Strings(got)
	require.Equal(t, []string{"dev-1/a", "dev-1/b", "dev-2/c"}, got)
	for _, o := range *opened {
		require.Empty(t, o.r.committed)
	}
}

func TestNewConsumer_WithoutGroupIsLazy(t *testing.T) {
	c := NewConsumer([]string{"localhost:0"}, "location.changed", "")
	require.True(t, c.fanOut())
	require.NoError(t, c.Close())
}
