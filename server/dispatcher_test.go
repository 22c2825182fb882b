package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakm/msgpackrpc"
	"github.com/jakm/msgpackrpc/server"
	"github.com/jakm/msgpackrpc/transport"
)

type mathService struct{}

func (mathService) RemoteSum(params []interface{}) (interface{}, error) {
	arr, _ := params[0].([]interface{})
	var total int64
	for _, v := range arr {
		n, _ := v.(int8)
		total += int64(n)
	}
	return total, nil
}

func (mathService) notExported(params []interface{}) (interface{}, error) {
	return nil, nil
}

func TestRegisterServiceExposesRemotePrefixedMethods(t *testing.T) {
	d := server.New()
	require.NoError(t, d.RegisterService(mathService{}))

	h, ok := d.Resolve("sum")
	require.True(t, ok)
	fut := h(0, []interface{}{[]interface{}{int8(1), int8(2), int8(3)}}, nil, nil)
	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 6, result)

	_, ok = d.Resolve("notExported")
	assert.False(t, ok)
}

type emptyService struct{}

func TestRegisterServiceErrorsWithNoMatchingMethods(t *testing.T) {
	d := server.New()
	err := d.RegisterService(emptyService{})
	assert.Error(t, err)
}

func TestRegisterFuncWithMsgIDPassesMsgID(t *testing.T) {
	d := server.New()
	var gotMsgID uint32
	d.RegisterFuncWithMsgID("track", func(msgid uint32, params []interface{}) (interface{}, error) {
		gotMsgID = msgid
		return "ok", nil
	})

	h, ok := d.Resolve("track")
	require.True(t, ok)
	fut := h(42, nil, nil, nil)
	_, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, gotMsgID)
}

func TestListenStreamAcceptsAndServes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := server.New()
	d.RegisterFunc("echo", func(params []interface{}) (interface{}, error) {
		return params[0], nil
	})

	acceptedCh := make(chan *transport.Stream, 1)
	ss := d.ListenStream(ln, func(s *transport.Stream) { acceptedCh <- s })
	defer ss.Close()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	clientStream := transport.NewStream(conn)
	defer clientStream.Close()

	select {
	case <-acceptedCh:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the connection")
	}

	fut, _, err := clientStream.Engine().CreateRequest("echo", "hi", nil)
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
}

func TestListenStreamCloseIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	d := server.New()
	ss := d.ListenStream(ln, nil)
	assert.NoError(t, ss.Close())
	assert.NoError(t, ss.Close())
}

var _ msgpackrpc.Resolver = server.New()
