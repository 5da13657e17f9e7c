package payload

import "testing"

// orderUpdateData はDecodeDataのテストに使う追加フィールドの構造体。
type orderUpdateData struct {
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
}

// TestEncodeDecode はEncodeとDecodeを検証する。
func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	t.Run("保存用JSONから同じペイロードを復元できること", func(t *testing.T) {
		t.Parallel()

		b, err := Encode(New(KindTest, WithMessage("hi")))
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		p, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if p.Kind() != KindTest || p.Message() != "hi" {
			t.Errorf("Decode() = (%q, %q), want (TEST, hi)", p.Kind(), p.Message())
		}
	})

	t.Run("壊れたJSONでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		if _, err := Decode([]byte("{broken")); err == nil {
			t.Fatal("Decode()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestDecodeData はDecodeDataを検証する。
func TestDecodeData(t *testing.T) {
	t.Parallel()

	t.Run("追加フィールドを構造体に取り出せること", func(t *testing.T) {
		t.Parallel()

		p := New(KindOrderUpdate, WithData(map[string]any{
			"order_number": "A-100",
			"status":       "shipped",
		}))

		data, err := DecodeData[orderUpdateData](p)
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if data.OrderNumber != "A-100" {
			t.Errorf("OrderNumber = %q, want %q", data.OrderNumber, "A-100")
		}
		if data.Status != "shipped" {
			t.Errorf("Status = %q, want %q", data.Status, "shipped")
		}
	})

	t.Run("型が合わない場合にエラーが返ること", func(t *testing.T) {
		t.Parallel()

		p := New(KindOrderUpdate, WithData(map[string]any{"order_number": 12}))
		if _, err := DecodeData[orderUpdateData](p); err == nil {
			t.Fatal("DecodeData()がエラーを返すべきだが、nilが返った")
		}
	})
}
