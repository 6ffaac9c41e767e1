package noop

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChargeAgain_RejectsUnknownPaymentRef(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	gateway := New(zap.NewNop(), node)

	_, err = gateway.ChargeAgain(context.Background(), "not-a-payment")
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownPayment)

	result, err := gateway.ChargeAgain(context.Background(), node.Generate().String())
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
}
