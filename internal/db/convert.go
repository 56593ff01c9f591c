package db

func methodStrings(ms []DeliveryMethod) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

func toMethods(ss []string) []DeliveryMethod {
	out := make([]DeliveryMethod, len(ss))
	for i, s := range ss {
		out[i] = DeliveryMethod(s)
	}
	return out
}

func typeStrings(ts []NotificationType) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

func toTypes(ss []string) []NotificationType {
	out := make([]NotificationType, len(ss))
	for i, s := range ss {
		out[i] = NotificationType(s)
	}
	return out
}
