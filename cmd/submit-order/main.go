package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperswap/pkg/api"
	"github.com/uhyunpark/hyperswap/pkg/notify"
	"github.com/uhyunpark/hyperswap/pkg/order"
)

func main() {
	addr := flag.String("api", "http://localhost:8080", "executor base URL")
	pair := flag.String("pair", "SOL/USDC", "BASE/QUOTE pair to buy")
	amount := flag.String("amount", "1000", "input amount")
	follow := flag.Bool("follow", true, "stream updates until the order settles")
	timeout := flag.Duration("timeout", 2*time.Minute, "give up following after this long")
	flag.Parse()

	amt, err := decimal.NewFromString(*amount)
	if err != nil {
		fmt.Printf("Error: invalid amount %q: %v\n", *amount, err)
		os.Exit(2)
	}

	// Step 1: Submit order
	body, _ := json.Marshal(api.SubmitOrderRequest{Pair: *pair, Amount: &amt})
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(strings.TrimRight(*addr, "/")+"/api/v1/orders/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var er api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&er)
		fmt.Printf("Rejected (%d): %s: %s\n", resp.StatusCode, er.Error, er.Message)
		os.Exit(1)
	}

	var accepted api.SubmitOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Order Accepted:")
	fmt.Printf("  ID: %s\n", accepted.OrderID)
	fmt.Printf("  Pair: %s\n", accepted.Pair)
	fmt.Printf("  Amount: %s\n", accepted.Amount)
	fmt.Printf("  Stream: %s\n\n", accepted.WebsocketURL)

	if !*follow {
		return
	}

	// Step 2: Follow the order until it is CONFIRMED or FAILED
	conn, _, err := websocket.DefaultDialer.Dial(accepted.WebsocketURL, nil)
	if err != nil {
		fmt.Printf("Error connecting to stream: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(*timeout))

	final := order.StatusPending
	for {
		var msg struct {
			Type    string          `json:"type"`
			Data    json.RawMessage `json:"data"`
			Message string          `json:"message"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			fmt.Printf("Stream ended: %v\n", err)
			os.Exit(1)
		}

		switch msg.Type {
		case api.WSTypeConnected:
			var o order.Order
			json.Unmarshal(msg.Data, &o)
			final = o.Status
			fmt.Printf("[%s] %s\n", o.UpdatedAt.Format(time.TimeOnly), o.Status)
		case api.WSTypeUpdate:
			var u notify.Update
			json.Unmarshal(msg.Data, &u)
			final = u.Status
			fmt.Printf("[%s] %-10s %s\n", u.Timestamp.Format(time.TimeOnly), u.Status, u.Kind)
		case api.WSTypeError:
			fmt.Printf("Error: %s\n", msg.Message)
			os.Exit(1)
		}
	}

	// Step 3: Show final state
	resp, err = client.Get(strings.TrimRight(*addr, "/") + "/api/v1/orders/" + accepted.OrderID)
	if err == nil {
		defer resp.Body.Close()
		var view struct {
			Order order.Order `json:"order"`
		}
		if json.NewDecoder(resp.Body).Decode(&view) == nil {
			o := view.Order
			fmt.Println()
			fmt.Printf("Final: %s\n", o.Status)
			fmt.Printf("  Venue: %s\n", o.ChosenVenue)
			if o.ExecutionPrice.Valid {
				fmt.Printf("  Execution Price: %s\n", o.ExecutionPrice.Decimal)
			}
			if o.TxHash != "" {
				fmt.Printf("  Tx: %s\n", o.TxHash)
			}
			if o.FailureReason != "" {
				fmt.Printf("  Reason: %s\n", o.FailureReason)
			}
		}
	}

	if final != order.StatusConfirmed {
		os.Exit(1)
	}
}
