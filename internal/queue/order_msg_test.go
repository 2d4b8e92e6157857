package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     OrderMessage
		wantErr string
	}{
		{"valid", OrderMessage{OrderID: 1, UserID: 2, VoucherID: 3}, ""},
		{"missing order id", OrderMessage{UserID: 2, VoucherID: 3}, "order_id"},
		{"missing user id", OrderMessage{OrderID: 1, VoucherID: 3}, "user_id"},
		{"missing voucher id", OrderMessage{OrderID: 1, UserID: 2}, "voucher_id"},
		{"negative ids", OrderMessage{OrderID: -1, UserID: 2, VoucherID: 3}, "order_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
