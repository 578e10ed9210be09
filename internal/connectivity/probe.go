package connectivity

import (
	"context"
	"net"
	"net/http"
)

// LinkProbe reports link-level connectivity from the host's network interfaces.
type LinkProbe struct {
	Interfaces func() ([]net.Interface, error)
}

// Check reports connected when any non-loopback interface is up and has an address.
func (p LinkProbe) Check(_ context.Context) Signal {
	list := p.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	interfaces, err := list()
	if err != nil {
		return Signal{}
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addresses, err := iface.Addrs()
		if err == nil && len(addresses) > 0 {
			return Signal{IsConnected: true}
		}
	}
	return Signal{}
}

// ReachabilityProbe checks true internet reachability with an HTTP request whose expected
// status a captive portal cannot forge (a portal answers 200 or a redirect instead of 204).
type ReachabilityProbe struct {
	URL            string
	Client         *http.Client
	ExpectedStatus int
}

// Check reports connected when any response arrives and reachable when the status matches.
// The caller bounds the request through ctx.
func (p ReachabilityProbe) Check(ctx context.Context) Signal {
	client := p.Client
	if client == nil {
		client = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
	}
	expected := p.ExpectedStatus
	if expected == 0 {
		expected = http.StatusNoContent
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Signal{}
	}
	response, err := client.Do(request)
	if err != nil {
		return Signal{}
	}
	defer response.Body.Close()
	reachable := response.StatusCode == expected
	return Signal{IsConnected: true, IsInternetReachable: &reachable}
}

// CompositeProbe gates reachability on link-level connectivity. A nil Reachability probe
// degrades to link-level only.
type CompositeProbe struct {
	Link         Probe
	Reachability Probe
}

func (p CompositeProbe) Check(ctx context.Context) Signal {
	link := Signal{IsConnected: true}
	if p.Link != nil {
		link = p.Link.Check(ctx)
	}
	if !link.IsConnected || p.Reachability == nil {
		return link
	}
	reach := p.Reachability.Check(ctx)
	reachable := reach.Online()
	return Signal{IsConnected: true, IsInternetReachable: &reachable}
}
