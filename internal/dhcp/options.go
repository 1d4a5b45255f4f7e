package dhcp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// parseOption parses one reservation option from key-value form.
//
// Named options cover the common cases and auto-detect the value type:
//
//	router = "10.0.0.1"
//	dns_server = "10.0.0.53,10.0.0.54"
//	bootfile = "pxelinux.0"
//
// Numeric codes (1-255) need a type prefix:
//
//	"150" = "ip:192.168.1.10"
//	"252" = "str:http://wpad/wpad.dat"
//
// Prefixes: ip, str, hex, u8, u16, u32.
func parseOption(key, value string) (dhcpv4.Option, error) {
	var code dhcpv4.OptionCode
	typePrefix := ""

	switch strings.ToLower(strings.ReplaceAll(key, "-", "_")) {
	case "router", "gateway", "default_gateway":
		code, typePrefix = dhcpv4.OptionRouter, "ip"
	case "dns_server", "dns", "domain_name_server":
		code, typePrefix = dhcpv4.OptionDomainNameServer, "ip"
	case "ntp_server", "ntp":
		code, typePrefix = dhcpv4.OptionNTPServers, "ip"
	case "tftp_server_ip":
		code, typePrefix = dhcpv4.GenericOptionCode(150), "ip"
	case "tftp_server", "tftp_server_name":
		code, typePrefix = dhcpv4.GenericOptionCode(66), "str"
	case "bootfile", "bootfile_name":
		code, typePrefix = dhcpv4.OptionBootfileName, "str"
	case "hostname", "host_name":
		code, typePrefix = dhcpv4.OptionHostName, "str"
	case "domain_name", "domain":
		code, typePrefix = dhcpv4.OptionDomainName, "str"
	case "root_path":
		code, typePrefix = dhcpv4.OptionRootPath, "str"
	case "mtu":
		code, typePrefix = dhcpv4.OptionInterfaceMTU, "u16"
	case "lease_time":
		code, typePrefix = dhcpv4.OptionIPAddressLeaseTime, "u32"
	default:
		n, err := strconv.Atoi(key)
		if err != nil || n < 1 || n > 255 {
			return dhcpv4.Option{}, fmt.Errorf("unknown option %q", key)
		}
		code = dhcpv4.GenericOptionCode(n)
	}

	val := value
	if typePrefix == "" {
		// numeric code: the value carries its own type prefix
		prefix, rest, ok := strings.Cut(value, ":")
		if !ok {
			return dhcpv4.Option{}, fmt.Errorf("numeric option %q requires a type prefix (ip:, str:, hex:, u8:, u16:, u32:)", key)
		}
		typePrefix, val = prefix, rest
	}

	switch typePrefix {
	case "ip":
		var b []byte
		for _, s := range strings.Split(val, ",") {
			ip := net.ParseIP(strings.TrimSpace(s))
			if ip == nil || ip.To4() == nil {
				return dhcpv4.Option{}, fmt.Errorf("invalid IPv4 address %q", s)
			}
			b = append(b, ip.To4()...)
		}
		return dhcpv4.OptGeneric(code, b), nil

	case "str":
		return dhcpv4.OptGeneric(code, []byte(val)), nil

	case "hex":
		val = strings.TrimPrefix(val, "0x")
		val = strings.ReplaceAll(val, ":", "")
		b, err := hex.DecodeString(val)
		if err != nil {
			return dhcpv4.Option{}, fmt.Errorf("invalid hex string: %w", err)
		}
		return dhcpv4.OptGeneric(code, b), nil

	case "u8":
		i, err := strconv.ParseUint(val, 10, 8)
		if err != nil {
			return dhcpv4.Option{}, fmt.Errorf("invalid u8 value: %v", err)
		}
		return dhcpv4.OptGeneric(code, []byte{uint8(i)}), nil

	case "u16":
		i, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return dhcpv4.Option{}, fmt.Errorf("invalid u16 value: %v", err)
		}
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(i))
		return dhcpv4.OptGeneric(code, b), nil

	case "u32":
		i, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return dhcpv4.Option{}, fmt.Errorf("invalid u32 value: %v", err)
		}
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(i))
		return dhcpv4.OptGeneric(code, b), nil
	}
	return dhcpv4.Option{}, fmt.Errorf("unknown type prefix %q", typePrefix)
}
