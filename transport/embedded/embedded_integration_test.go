package embedded

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wireforge/rpcd/rpc"
)

// TestJSONRPCIntegration exercises a realistic sequence of JSON-RPC
// calls and notifications over a connected transport pair.
func TestJSONRPCIntegration(t *testing.T) {
	fmt.Println("Starting JSON-RPC integration test over embedded transport")

	serverTransport, clientTransport := NewTransportPair()

	serverTransport.SetMessageHandler(func(meta rpc.Meta, message []byte) ([]byte, error) {
		var request map[string]interface{}
		if err := json.Unmarshal(message, &request); err != nil {
			return nil, err
		}

		method, _ := request["method"].(string)
		id := request["id"]
		params, _ := request["params"].(map[string]interface{})

		fmt.Printf("   server received: %s (id: %v)\n", method, id)

		var response map[string]interface{}

		switch method {
		case "ping":
			response = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      id,
				"result":  "pong",
			}
		case "add":
			a, _ := params["a"].(float64)
			b, _ := params["b"].(float64)
			response = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      id,
				"result":  a + b,
			}
		case "divide":
			a, _ := params["a"].(float64)
			b, _ := params["b"].(float64)
			if b == 0 {
				return json.Marshal(map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      id,
					"error": map[string]interface{}{
						"code":    -32602,
						"message": "Invalid params: division by zero",
					},
				})
			}
			response = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      id,
				"result":  a / b,
			}
		case "echo":
			response = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      id,
				"result":  params["message"],
			}
		default:
			response = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      id,
				"error": map[string]interface{}{
					"code":    -32601,
					"message": "Method not found",
				},
			}
		}

		responseBytes, _ := json.Marshal(response)
		return responseBytes, nil
	})

	if err := serverTransport.Initialize(); err != nil {
		t.Fatalf("Server transport initialize failed: %v", err)
	}
	if err := clientTransport.Initialize(); err != nil {
		t.Fatalf("Client transport initialize failed: %v", err)
	}
	if err := serverTransport.Start(); err != nil {
		t.Fatalf("Server transport start failed: %v", err)
	}
	if err := clientTransport.Start(); err != nil {
		t.Fatalf("Client transport start failed: %v", err)
	}

	defer func() {
		serverTransport.Stop()
		clientTransport.Stop()
	}()

	sendRequest := func(method string, params interface{}, id int) (map[string]interface{}, error) {
		request := map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  method,
			"id":      id,
		}
		if params != nil {
			request["params"] = params
		}

		requestBytes, _ := json.Marshal(request)
		if err := clientTransport.Send(requestBytes); err != nil {
			return nil, err
		}

		responseBytes, err := clientTransport.Receive()
		if err != nil {
			return nil, err
		}

		var response map[string]interface{}
		if err := json.Unmarshal(responseBytes, &response); err != nil {
			return nil, err
		}

		return response, nil
	}

	pingResponse, err := sendRequest("ping", nil, 1)
	if err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if pingResponse["result"] != "pong" {
		t.Errorf("expected pong, got %v", pingResponse["result"])
	}

	addResponse, err := sendRequest("add", map[string]interface{}{"a": 2.0, "b": 3.0}, 2)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if addResponse["result"] != float64(5) {
		t.Errorf("expected 5, got %v", addResponse["result"])
	}

	divResponse, err := sendRequest("divide", map[string]interface{}{"a": 1.0, "b": 0.0}, 3)
	if err != nil {
		t.Fatalf("divide failed: %v", err)
	}
	if divResponse["error"] == nil {
		t.Error("expected division by zero to produce an error response")
	}

	echoResponse, err := sendRequest("echo", map[string]interface{}{"message": "hello"}, 4)
	if err != nil {
		t.Fatalf("echo failed: %v", err)
	}
	if echoResponse["result"] != "hello" {
		t.Errorf("expected echo of 'hello', got %v", echoResponse["result"])
	}

	fmt.Println("All JSON-RPC operations completed successfully")
}

// TestConcurrentJSONRPC exercises overlapping in-flight requests on the
// same transport pair.
func TestConcurrentJSONRPC(t *testing.T) {
	serverTransport, clientTransport := NewTransportPair()

	serverTransport.SetMessageHandler(func(meta rpc.Meta, message []byte) ([]byte, error) {
		var request map[string]interface{}
		if err := json.Unmarshal(message, &request); err != nil {
			return nil, err
		}

		id := request["id"]
		params, _ := request["params"].(map[string]interface{})

		time.Sleep(50 * time.Millisecond)

		value, _ := params["value"].(float64)
		result := value * 2

		response := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"result": map[string]interface{}{
				"input":  value,
				"output": result,
			},
		}

		return json.Marshal(response)
	})

	serverTransport.Initialize()
	clientTransport.Initialize()
	serverTransport.Start()
	clientTransport.Start()

	defer func() {
		serverTransport.Stop()
		clientTransport.Stop()
	}()

	const numRequests = 10
	var wg sync.WaitGroup
	results := make(chan error, numRequests)

	for i := 0; i < numRequests; i++ {
		wg.Add(1)
		go func(requestID int) {
			defer wg.Done()

			request := map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "process",
				"params": map[string]interface{}{
					"value": float64(requestID * 10),
				},
				"id": requestID,
			}

			requestBytes, _ := json.Marshal(request)
			if err := clientTransport.Send(requestBytes); err != nil {
				results <- fmt.Errorf("request %d send failed: %v", requestID, err)
				return
			}

			responseBytes, err := clientTransport.Receive()
			if err != nil {
				results <- fmt.Errorf("request %d receive failed: %v", requestID, err)
				return
			}

			var response map[string]interface{}
			if err := json.Unmarshal(responseBytes, &response); err != nil {
				results <- fmt.Errorf("request %d parse failed: %v", requestID, err)
				return
			}

			results <- nil
		}(i)
	}

	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Errorf("concurrent request error: %v", err)
		}
	}
}

// TestNotificationHandling exercises server-initiated pushes that carry
// no id, the notification half of the protocol.
func TestNotificationHandling(t *testing.T) {
	serverTransport, clientTransport := NewTransportPair()

	serverTransport.Initialize()
	serverTransport.Start()
	clientTransport.Initialize()
	clientTransport.Start()

	defer func() {
		serverTransport.Stop()
		clientTransport.Stop()
	}()

	clientNotifications := make(chan map[string]interface{}, 5)

	go func() {
		for {
			message, err := clientTransport.Receive()
			if err != nil {
				return
			}

			var notification map[string]interface{}
			if err := json.Unmarshal(message, &notification); err != nil {
				continue
			}

			if _, hasID := notification["id"]; !hasID {
				clientNotifications <- notification
			}
		}
	}()

	notifications := []map[string]interface{}{
		{
			"jsonrpc": "2.0",
			"method":  "progress.update",
			"params": map[string]interface{}{
				"token":      "task-123",
				"percentage": 25,
			},
		},
		{
			"jsonrpc": "2.0",
			"method":  "log.message",
			"params": map[string]interface{}{
				"level":   "info",
				"message": "operation completed",
			},
		},
		{
			"jsonrpc": "2.0",
			"method":  "resource.changed",
			"params": map[string]interface{}{
				"uri":    "/config",
				"action": "updated",
			},
		},
	}

	for i, notification := range notifications {
		notificationBytes, _ := json.Marshal(notification)
		if err := serverTransport.Send(notificationBytes); err != nil {
			t.Fatalf("failed to send notification %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	receivedCount := 0
	timeout := time.After(2 * time.Second)

	for receivedCount < len(notifications) {
		select {
		case <-clientNotifications:
			receivedCount++
		case <-timeout:
			t.Fatalf("timeout waiting for notifications, received %d out of %d", receivedCount, len(notifications))
		}
	}
}
