package address

import "testing"

func TestParseIndividual(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Individual
		wantErr bool
	}{
		{name: "min", input: "0.0.1", want: Individual{0, 0, 1}},
		{name: "max", input: "15.15.255", want: Individual{15, 15, 255}},
		{name: "coupler", input: "1.1.0", want: Individual{1, 1, 0}},
		{name: "too few parts", input: "1.1", wantErr: true},
		{name: "area out of range", input: "16.0.1", wantErr: true},
		{name: "garbage", input: "a.b.c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIndividual(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseIndividual(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("ParseIndividual(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIndividualRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0.1", "15.15.255", "4.4.4", "1.1.0"} {
		ia, err := ParseIndividual(s)
		if err != nil {
			t.Fatalf("ParseIndividual(%q): %v", s, err)
		}
		if got := ia.String(); got != s {
			t.Errorf("String() = %q, want %q", got, s)
		}
		if got := IndividualFromUint16(ia.ToUint16()); got != ia {
			t.Errorf("round trip via uint16 = %+v, want %+v", got, ia)
		}
	}
}

func TestIndividualIsCoupler(t *testing.T) {
	ia, _ := ParseIndividual("1.1.0")
	if !ia.IsCoupler() {
		t.Error("expected 1.1.0 to be a coupler address")
	}
	ia, _ = ParseIndividual("1.1.5")
	if ia.IsCoupler() {
		t.Error("expected 1.1.5 to not be a coupler address")
	}
}

func TestParseGroupThreeLevel(t *testing.T) {
	ga, err := ParseGroup("1/2/3")
	if err != nil {
		t.Fatalf("ParseGroup: %v", err)
	}
	want := Group{Main: 1, Middle: 2, Sub: 3, Level: ThreeLevel}
	if ga != want {
		t.Errorf("got %+v, want %+v", ga, want)
	}
	if got := ga.String(); got != "1/2/3" {
		t.Errorf("String() = %q, want 1/2/3", got)
	}
}

func TestParseGroupTwoLevel(t *testing.T) {
	ga, err := ParseGroup("1/2047")
	if err != nil {
		t.Fatalf("ParseGroup: %v", err)
	}
	want := Group{Main: 1, Sub: 2047, Level: TwoLevel}
	if ga != want {
		t.Errorf("got %+v, want %+v", ga, want)
	}
	if got := ga.String(); got != "1/2047" {
		t.Errorf("String() = %q, want 1/2047", got)
	}
}

func TestParseGroupRoundTrip(t *testing.T) {
	for _, s := range []string{"0/0/1", "31/7/255", "5/6/3", "1/2/3"} {
		ga, err := ParseGroup(s)
		if err != nil {
			t.Fatalf("ParseGroup(%q): %v", s, err)
		}
		if got := ga.String(); got != s {
			t.Errorf("format(parse(%q)) = %q, want %q", s, got, s)
		}
	}
	for _, s := range []string{"0/1", "31/2047", "5/100"} {
		ga, err := ParseGroup(s)
		if err != nil {
			t.Fatalf("ParseGroup(%q): %v", s, err)
		}
		if got := ga.String(); got != s {
			t.Errorf("format(parse(%q)) = %q, want %q", s, got, s)
		}
	}
}

func TestGroupWireRoundTrip(t *testing.T) {
	ga, _ := ParseGroup("12/3/45")
	got := GroupFromUint16(ga.ToUint16(), ThreeLevel)
	if got != ga {
		t.Errorf("wire round trip = %+v, want %+v", got, ga)
	}
}

func TestParseGroupInvalid(t *testing.T) {
	for _, s := range []string{"1/2/3/4", "32/0/0", "1/8/0", "x/y/z", ""} {
		if _, err := ParseGroup(s); err == nil {
			t.Errorf("ParseGroup(%q) expected error", s)
		}
	}
}
