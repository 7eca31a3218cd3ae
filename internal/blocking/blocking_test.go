package blocking

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_SendsAckThenEchoesTransformed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		Handle(server, 256, nil)
		close(done)
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))

	ack := make([]byte, 1)
	_, err := client.Read(ack)
	require.NoError(t, err)
	assert.Equal(t, byte('*'), ack[0])

	_, err = client.Write([]byte("^ab$"))
	require.NoError(t, err)

	var got []byte
	one := make([]byte, 1)
	for len(got) < 2 {
		_, err = client.Read(one)
		require.NoError(t, err)
		got = append(got, one[0])
	}
	assert.Equal(t, []byte("bc"), got)

	client.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after peer closed")
	}
}

func TestHandle_NestedCaretEscaped(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		Handle(server, 256, nil)
		close(done)
	}()
	client.SetDeadline(time.Now().Add(2 * time.Second))

	ack := make([]byte, 1)
	_, err := client.Read(ack)
	require.NoError(t, err)

	_, err = client.Write([]byte("^a^b$"))
	require.NoError(t, err)

	var got []byte
	one := make([]byte, 1)
	for len(got) < 3 {
		_, err = client.Read(one)
		require.NoError(t, err)
		got = append(got, one[0])
	}
	assert.Equal(t, []byte("b_c"), got)

	client.Close()
	<-done
}
