// Package client is the consumer-facing facade of the telemetry backend.
//
// Every call performs a fresh login followed by one WebSocket handshake;
// no token or socket is reused between calls.
//
// # Basic Usage
//
//	c := client.New(auth.Credentials{Username: "me@example.com", Password: pw},
//	    client.WithRegion(client.RegionEU))
//
//	flat, err := c.FetchSnapshot(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(flat["battery_state_of_charge"])
//
// Look up the VIN without requesting the digital twin:
//
//	vin, err := c.FetchVin(ctx)
//
// # Errors
//
// Failures match one of the apierr kinds with errors.Is:
//
//	switch {
//	case errors.Is(err, apierr.ErrAuthentication):
//	    // wrong credentials or token endpoint down
//	case errors.Is(err, apierr.ErrConnection):
//	    // socket closed or timed out
//	}
package client
