package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildQuery(id uint16, name string, qtype uint16) []byte {
	buf := make([]byte, 12)
	buf[0] = byte(id >> 8)
	buf[1] = byte(id)
	buf[2] = 0x01 // RD
	buf[4] = 0
	buf[5] = 1 // qdcount = 1
	buf = append(buf, encodeName(name)...)
	qend := make([]byte, 4)
	qend[1] = byte(qtype)
	qend[3] = byte(ClassIN)
	return append(buf, qend...)
}

func TestDecodeQuestion(t *testing.T) {
	q := buildQuery(0x1234, "www.example.com", TypeA)
	msg, err := Decode(q)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), msg.Header.ID)
	require.True(t, msg.Header.RD)
	require.Equal(t, "www.example.com", msg.Question.Name)
	require.Equal(t, uint16(TypeA), msg.Question.QType)
}

func TestDecodeRejectsTruncatedMessage(t *testing.T) {
	_, err := Decode([]byte{0, 1, 2})
	require.Error(t, err)
}

func TestEncodeAnswerRoundTripsName(t *testing.T) {
	q := Question{Name: "www.example.com", QType: TypeA, QClass: ClassIN}
	out := EncodeAnswer(0x1234, q, 300, []net.IP{net.ParseIP("192.0.2.1")}, "")

	require.Equal(t, byte(0x12), out[0])
	require.Equal(t, byte(0x34), out[1])
	require.Equal(t, byte(0x84), out[2], "QR and AA bits must be set")

	ancount := uint16(out[6])<<8 | uint16(out[7])
	require.Equal(t, uint16(1), ancount)

	name, _, err := decodeName(out, 12)
	require.NoError(t, err)
	require.Equal(t, "www.example.com", name)
}

func TestDecodeNameRejectsCompressionPointer(t *testing.T) {
	buf := make([]byte, 13)
	buf[12] = 0xC0 // compression pointer high bits
	_, _, err := decodeName(buf, 12)
	require.Error(t, err)
}
